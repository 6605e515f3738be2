// Package codec holds the decoders and encoders the recorder drives through a
// non-blocking send/receive API: Send* queues input, Receive* returns
// core.ErrAgain when more input is needed and core.ErrEOF once a flushed
// codec is empty. Sending nil flushes.
package codec

import (
	"fmt"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Codec names.
const (
	RawVideo = "rawvideo"
	MJPEG    = "mjpeg"
	PCMS16LE = "pcm_s16le"
	PCMF32LE = "pcm_f32le"
)

// Decoder turns packets into frames.
type Decoder interface {
	SendPacket(pkt *core.Packet) error
	ReceiveFrame() (*core.Frame, error)
	Close() error
}

// Encoder turns frames into packets.
type Encoder interface {
	SendFrame(frame *core.Frame) error
	ReceivePacket() (*core.Packet, error)
	// TimeBase is the time base of submitted frames and produced packets.
	TimeBase() core.Rational
	Close() error
}

// OpenDecoder returns a decoder for the stream described by info.
func OpenDecoder(info core.StreamInfo) (Decoder, error) {
	switch info.Codec {
	case RawVideo:
		if info.Width <= 0 || info.Height <= 0 {
			return nil, fmt.Errorf("rawvideo: invalid size %dx%d", info.Width, info.Height)
		}
		if sizes, _ := info.PixelFormat.PlaneSizes(info.Width, info.Height); sizes == nil {
			return nil, fmt.Errorf("rawvideo: unsupported pixel format %s", info.PixelFormat)
		}
		return newRawVideoDecoder(info), nil
	case MJPEG:
		return newMJPEGDecoder(info), nil
	case PCMS16LE, PCMF32LE:
		if info.SampleRate <= 0 || info.Layout.NumChannels() == 0 {
			return nil, fmt.Errorf("%s: invalid rate %d or layout %s", info.Codec, info.SampleRate, info.Layout)
		}
		return newPCMDecoder(info), nil
	}
	return nil, fmt.Errorf("no decoder for codec %q", info.Codec)
}

// queue is the output side shared by every codec in this package.
type queue[T any] struct {
	items    []T
	flushing bool
	closed   bool
}

func (q *queue[T]) push(v T) {
	q.items = append(q.items, v)
}

func (q *queue[T]) pop() (T, error) {
	var zero T
	if q.closed {
		return zero, fmt.Errorf("codec closed")
	}
	if len(q.items) == 0 {
		if q.flushing {
			return zero, core.ErrEOF
		}
		return zero, core.ErrAgain
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, nil
}

// accept reports whether more input may be sent and switches to flushing on
// a nil input.
func (q *queue[T]) accept(isNil bool) error {
	if q.closed {
		return fmt.Errorf("codec closed")
	}
	if q.flushing {
		return core.ErrEOF
	}
	if isNil {
		q.flushing = true
	}
	return nil
}

func (q *queue[T]) close() {
	q.closed = true
	q.items = nil
}
