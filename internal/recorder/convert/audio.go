package convert

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Resampler converts audio frames to one fixed sample format, rate and
// channel layout. It carries interpolation phase between calls so a stream
// chopped into arbitrary chunks converts the same as one long frame.
type Resampler struct {
	format core.SampleFormat
	rate   int
	layout core.ChannelLayout

	inRate int
	pos    float64   // position of the next output sample, in input samples relative to the current chunk
	prev   []float64 // last input sample per output channel
	primed bool
	out    int64 // output samples produced
}

// NewResampler returns a resampler producing format/rate/layout.
func NewResampler(format core.SampleFormat, rate int, layout core.ChannelLayout) (*Resampler, error) {
	if format.BytesPerSample() == 0 {
		return nil, fmt.Errorf("resampler: unsupported sample format %s", format)
	}
	if rate <= 0 || layout.NumChannels() == 0 {
		return nil, fmt.Errorf("resampler: invalid rate %d or layout %s", rate, layout)
	}
	return &Resampler{format: format, rate: rate, layout: layout}, nil
}

// Layout is the output channel layout.
func (r *Resampler) Layout() core.ChannelLayout { return r.layout }

// NormalizeAudio converts one frame. The returned frame may hold more or fewer
// samples than src and may be nil when src is too short to yield one.
func (r *Resampler) NormalizeAudio(src *core.Frame) (*core.Frame, error) {
	if src == nil || src.Type != core.MediaTypeAudio {
		return nil, fmt.Errorf("normalize audio: not an audio frame")
	}
	if src.SampleRate <= 0 {
		return nil, fmt.Errorf("normalize audio: invalid sample rate %d", src.SampleRate)
	}
	if r.inRate != 0 && r.inRate != src.SampleRate {
		return nil, fmt.Errorf("normalize audio: input rate changed from %d to %d", r.inRate, src.SampleRate)
	}
	r.inRate = src.SampleRate

	in, err := readSamples(src)
	if err != nil {
		return nil, err
	}
	mixed := mix(in, src.Layout, r.layout)

	var res [][]float64
	if r.inRate == r.rate {
		res = mixed
	} else {
		res = r.interpolate(mixed, src.NbSamples)
	}
	n := 0
	if len(res) > 0 {
		n = len(res[0])
	}
	if n == 0 {
		return nil, nil
	}

	dst := core.NewAudioFrame(r.format, r.layout, r.rate, n)
	writeSamples(dst, res)
	dst.TimeBase = core.NewRational(1, r.rate)
	dst.PTS = r.out
	r.out += int64(n)
	return dst, nil
}

// interpolate performs linear rate conversion across chunk boundaries.
func (r *Resampler) interpolate(in [][]float64, n int) [][]float64 {
	channels := len(in)
	if n == 0 {
		return nil
	}
	if !r.primed {
		r.prev = make([]float64, channels)
		for c := range r.prev {
			r.prev[c] = in[c][0]
		}
		r.primed = true
	}
	step := float64(r.inRate) / float64(r.rate)
	out := make([][]float64, channels)
	at := func(c, i int) float64 {
		if i < 0 {
			return r.prev[c]
		}
		return in[c][i]
	}
	for r.pos <= float64(n-1) {
		i := int(math.Floor(r.pos))
		frac := r.pos - float64(i)
		for c := 0; c < channels; c++ {
			a := at(c, i)
			b := a
			if frac > 0 {
				b = at(c, i+1)
			}
			out[c] = append(out[c], a+(b-a)*frac)
		}
		r.pos += step
	}
	r.pos -= float64(n)
	for c := range r.prev {
		r.prev[c] = in[c][n-1]
	}
	return out
}

// mix maps input channels onto the output layout: channels are matched by
// name, mono is copied to every output and a mono output averages all inputs.
func mix(in [][]float64, from, to core.ChannelLayout) [][]float64 {
	if from.Equal(to) || (len(in) == to.NumChannels() && from.Name == "") {
		return in
	}
	n := 0
	if len(in) > 0 {
		n = len(in[0])
	}
	out := make([][]float64, to.NumChannels())
	switch {
	case len(in) == 1:
		for c := range out {
			out[c] = append([]float64(nil), in[0]...)
		}
	case to.NumChannels() == 1:
		out[0] = make([]float64, n)
		for _, ch := range in {
			for i, s := range ch {
				out[0][i] += s / float64(len(in))
			}
		}
	default:
		for c, name := range to.Channels {
			idx := from.Index(name)
			if idx < 0 && c < len(in) {
				idx = c
			}
			if idx >= 0 && idx < len(in) {
				out[c] = append([]float64(nil), in[idx]...)
			} else {
				out[c] = make([]float64, n)
			}
		}
	}
	return out
}

func readSamples(f *core.Frame) ([][]float64, error) {
	channels := f.Layout.NumChannels()
	bps := f.SampleFormat.BytesPerSample()
	if channels == 0 || bps == 0 {
		return nil, fmt.Errorf("normalize audio: unsupported format %s/%s", f.SampleFormat, f.Layout)
	}
	out := make([][]float64, channels)
	for c := range out {
		out[c] = make([]float64, f.NbSamples)
	}
	for c := 0; c < channels; c++ {
		for i := 0; i < f.NbSamples; i++ {
			var b []byte
			if f.SampleFormat.Planar() {
				b = f.Data[c][i*bps:]
			} else {
				b = f.Data[0][(i*channels+c)*bps:]
			}
			out[c][i] = decodeSample(f.SampleFormat, b)
		}
	}
	return out, nil
}

func writeSamples(f *core.Frame, in [][]float64) {
	channels := f.Layout.NumChannels()
	bps := f.SampleFormat.BytesPerSample()
	for c := 0; c < channels; c++ {
		for i := 0; i < f.NbSamples; i++ {
			var b []byte
			if f.SampleFormat.Planar() {
				b = f.Data[c][i*bps:]
			} else {
				b = f.Data[0][(i*channels+c)*bps:]
			}
			encodeSample(f.SampleFormat, b, in[c][i])
		}
	}
}

func decodeSample(format core.SampleFormat, b []byte) float64 {
	switch format {
	case core.SampleFormatS16, core.SampleFormatS16P:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case core.SampleFormatF32, core.SampleFormatF32P:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return 0
}

func encodeSample(format core.SampleFormat, b []byte, v float64) {
	switch format {
	case core.SampleFormatS16, core.SampleFormatS16P:
		s := math.Round(v * 32768)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(b, uint16(int16(s)))
	case core.SampleFormatF32, core.SampleFormatF32P:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	}
}

// Samples decodes a frame into per-channel float samples in [-1, 1).
func Samples(f *core.Frame) ([][]float64, error) {
	return readSamples(f)
}

// SetSamples encodes per-channel float samples into f, which must already be
// allocated for len(in[0]) samples.
func SetSamples(f *core.Frame, in [][]float64) {
	writeSamples(f, in)
}
