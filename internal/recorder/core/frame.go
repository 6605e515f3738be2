package core

import "errors"

var (
	// ErrAgain means the operation cannot make progress now and should be
	// retried on a later tick.
	ErrAgain = errors.New("resource temporarily unavailable")
	// ErrEOF means a flushed codec has nothing more to give.
	ErrEOF = errors.New("end of stream")
)

// Frame is an uncompressed video picture or a run of audio samples.
type Frame struct {
	Type MediaType

	Data   [][]byte
	Stride []int

	// video
	Width       int
	Height      int
	PixelFormat PixelFormat

	// audio
	NbSamples    int
	SampleFormat SampleFormat
	SampleRate   int
	Layout       ChannelLayout

	PTS      int64
	TimeBase Rational
}

// NewVideoFrame allocates a tightly packed picture.
func NewVideoFrame(format PixelFormat, width, height int) *Frame {
	sizes, strides := format.PlaneSizes(width, height)
	data := make([][]byte, len(sizes))
	for i, n := range sizes {
		data[i] = make([]byte, n)
	}
	return &Frame{
		Type:        MediaTypeVideo,
		Data:        data,
		Stride:      strides,
		Width:       width,
		Height:      height,
		PixelFormat: format,
		PTS:         NoPTS,
	}
}

// NewAudioFrame allocates nbSamples of silence.
func NewAudioFrame(format SampleFormat, layout ChannelLayout, rate, nbSamples int) *Frame {
	ch := layout.NumChannels()
	bps := format.BytesPerSample()
	var data [][]byte
	if format.Planar() {
		data = make([][]byte, ch)
		for i := range data {
			data[i] = make([]byte, nbSamples*bps)
		}
	} else {
		data = [][]byte{make([]byte, nbSamples*bps*ch)}
	}
	return &Frame{
		Type:         MediaTypeAudio,
		Data:         data,
		NbSamples:    nbSamples,
		SampleFormat: format,
		SampleRate:   rate,
		Layout:       layout,
		PTS:          NoPTS,
	}
}

// Clone deep-copies the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Data = make([][]byte, len(f.Data))
	for i, p := range f.Data {
		c.Data[i] = append([]byte(nil), p...)
	}
	c.Stride = append([]int(nil), f.Stride...)
	c.Layout.Channels = append([]string(nil), f.Layout.Channels...)
	return &c
}

// Packet is one compressed unit produced by a demuxer or an encoder.
type Packet struct {
	Data        []byte
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	TimeBase    Rational
	Key         bool
}

// StreamInfo describes one elementary stream of a capture device.
type StreamInfo struct {
	Index    int
	Type     MediaType
	Codec    string
	TimeBase Rational

	Width       int
	Height      int
	PixelFormat PixelFormat
	FrameRate   Rational

	SampleRate   int
	SampleFormat SampleFormat
	Layout       ChannelLayout
}
