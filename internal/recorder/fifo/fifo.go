// Package fifo buffers variable-size audio frames and releases them in the
// fixed frame size an encoder requires.
package fifo

import (
	"fmt"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// AudioFIFO is a per-source sample queue. It only ever releases whole frames
// of the requested size, except through Drain at shutdown.
type AudioFIFO struct {
	format core.SampleFormat
	layout core.ChannelLayout
	rate   int
	limit  int // max buffered samples, 0 for unbounded

	planes  [][]byte
	unit    int // bytes per sample in one plane
	size    int
	dropped int64
}

// New returns an empty FIFO for frames of the given format. limit caps the
// number of buffered samples; when exceeded the oldest samples are dropped.
func New(format core.SampleFormat, layout core.ChannelLayout, rate, limit int) (*AudioFIFO, error) {
	channels := layout.NumChannels()
	if format.BytesPerSample() == 0 || channels == 0 {
		return nil, fmt.Errorf("fifo: unsupported format %s/%s", format, layout)
	}
	planes, unit := 1, format.BytesPerSample()*channels
	if format.Planar() {
		planes, unit = channels, format.BytesPerSample()
	}
	return &AudioFIFO{
		format: format,
		layout: layout,
		rate:   rate,
		limit:  limit,
		planes: make([][]byte, planes),
		unit:   unit,
	}, nil
}

// Size is the number of buffered samples per channel.
func (q *AudioFIFO) Size() int { return q.size }

// Dropped is the number of samples discarded because the limit was hit.
func (q *AudioFIFO) Dropped() int64 { return q.dropped }

// Push appends the samples of f.
func (q *AudioFIFO) Push(f *core.Frame) error {
	if f.SampleFormat != q.format || f.Layout.NumChannels() != q.layout.NumChannels() {
		return fmt.Errorf("fifo: frame is %s/%d channels, queue holds %s/%d channels",
			f.SampleFormat, f.Layout.NumChannels(), q.format, q.layout.NumChannels())
	}
	if len(f.Data) < len(q.planes) {
		return fmt.Errorf("fifo: frame has %d planes, want %d", len(f.Data), len(q.planes))
	}
	n := f.NbSamples * q.unit
	for i := range q.planes {
		if len(f.Data[i]) < n {
			return fmt.Errorf("fifo: plane %d holds %d bytes, want %d", i, len(f.Data[i]), n)
		}
		q.planes[i] = append(q.planes[i], f.Data[i][:n]...)
	}
	q.size += f.NbSamples
	if q.limit > 0 && q.size > q.limit {
		over := q.size - q.limit
		q.discard(over)
		q.dropped += int64(over)
	}
	return nil
}

// PopFixed removes exactly n samples. It returns false and leaves the queue
// untouched when fewer than n are buffered.
func (q *AudioFIFO) PopFixed(n int) (*core.Frame, bool) {
	if n <= 0 || q.size < n {
		return nil, false
	}
	return q.take(n, n), true
}

// Drain removes up to n buffered samples. With pad set the frame is filled
// with silence up to n samples. It returns nil when the queue is empty.
func (q *AudioFIFO) Drain(n int, pad bool) *core.Frame {
	if q.size == 0 || n <= 0 {
		return nil
	}
	take := min(n, q.size)
	length := take
	if pad {
		length = n
	}
	return q.take(take, length)
}

// Reset discards everything.
func (q *AudioFIFO) Reset() {
	for i := range q.planes {
		q.planes[i] = nil
	}
	q.size = 0
}

func (q *AudioFIFO) take(n, length int) *core.Frame {
	f := core.NewAudioFrame(q.format, q.layout, q.rate, length)
	for i := range q.planes {
		copy(f.Data[i], q.planes[i][:n*q.unit])
	}
	q.discard(n)
	return f
}

func (q *AudioFIFO) discard(n int) {
	for i, p := range q.planes {
		rest := p[n*q.unit:]
		// Compact once the dead prefix dominates the backing array.
		if cap(rest) < cap(p)/2 {
			rest = append([]byte(nil), rest...)
		}
		q.planes[i] = rest
	}
	q.size -= n
}
