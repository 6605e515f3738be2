package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// AudioEncoder is an Encoder that consumes fixed-size audio frames.
type AudioEncoder interface {
	Encoder
	// FrameSize is the number of samples per channel every frame must carry.
	FrameSize() int
	// VariableFinalFrame reports whether the last frame before a flush may be
	// shorter than FrameSize.
	VariableFinalFrame() bool
	SampleFormat() core.SampleFormat
}

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Width     int
	Height    int
	FrameRate core.Rational
	TimeBase  core.Rational
	Quality   int
	// Delay is the number of packets held back until more input arrives
	// or the encoder is flushed.
	Delay int
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	SampleRate            int
	Layout                core.ChannelLayout
	TimeBase              core.Rational
	FrameSize             int
	RequireFixedFrameSize bool
}

// OpenVideoEncoder returns an encoder for the named codec.
func OpenVideoEncoder(name string, cfg VideoEncoderConfig) (Encoder, error) {
	switch name {
	case MJPEG:
		enc, err := NewMJPEGEncoder(cfg)
		if err != nil {
			return nil, err
		}
		return enc, nil
	}
	return nil, fmt.Errorf("no video encoder for codec %q", name)
}

// OpenAudioEncoder returns an encoder for the named codec.
func OpenAudioEncoder(name string, cfg AudioEncoderConfig) (AudioEncoder, error) {
	switch name {
	case PCMS16LE:
		enc, err := NewPCMEncoder(cfg)
		if err != nil {
			return nil, err
		}
		return enc, nil
	}
	return nil, fmt.Errorf("no audio encoder for codec %q", name)
}

// MJPEGEncoder compresses I420 frames into baseline JPEG pictures.
type MJPEGEncoder struct {
	cfg      VideoEncoderConfig
	duration int64
	pending  []*core.Packet
	out      queue[*core.Packet]
}

func NewMJPEGEncoder(cfg VideoEncoderConfig) (*MJPEGEncoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("mjpeg: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if !cfg.TimeBase.Valid() || !cfg.FrameRate.Valid() {
		return nil, fmt.Errorf("mjpeg: invalid time base %s or frame rate %s", cfg.TimeBase, cfg.FrameRate)
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = jpeg.DefaultQuality
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &MJPEGEncoder{
		cfg:      cfg,
		duration: core.RescaleQ(1, cfg.FrameRate.Invert(), cfg.TimeBase),
	}, nil
}

func (e *MJPEGEncoder) TimeBase() core.Rational { return e.cfg.TimeBase }

func (e *MJPEGEncoder) SendFrame(frame *core.Frame) error {
	if err := e.out.accept(frame == nil); err != nil {
		return err
	}
	if frame == nil {
		for _, pkt := range e.pending {
			e.out.push(pkt)
		}
		e.pending = nil
		return nil
	}
	if frame.PixelFormat != core.PixelFormatI420 {
		return fmt.Errorf("mjpeg: unsupported pixel format %s", frame.PixelFormat)
	}
	if frame.Width != e.cfg.Width || frame.Height != e.cfg.Height {
		return fmt.Errorf("mjpeg: frame is %dx%d, encoder expects %dx%d",
			frame.Width, frame.Height, e.cfg.Width, e.cfg.Height)
	}

	img := &image.YCbCr{
		Y:              frame.Data[0],
		Cb:             frame.Data[1],
		Cr:             frame.Data[2],
		YStride:        frame.Stride[0],
		CStride:        frame.Stride[1],
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, frame.Width, frame.Height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.cfg.Quality}); err != nil {
		return fmt.Errorf("mjpeg: %w", err)
	}

	e.pending = append(e.pending, &core.Packet{
		Data:     buf.Bytes(),
		PTS:      frame.PTS,
		DTS:      frame.PTS,
		Duration: e.duration,
		TimeBase: e.cfg.TimeBase,
		Key:      true,
	})
	for len(e.pending) > e.cfg.Delay {
		e.out.push(e.pending[0])
		e.pending = e.pending[1:]
	}
	return nil
}

func (e *MJPEGEncoder) ReceivePacket() (*core.Packet, error) { return e.out.pop() }

func (e *MJPEGEncoder) Close() error {
	e.pending = nil
	e.out.close()
	return nil
}

// PCMEncoder packs interleaved s16 frames as little-endian LPCM.
type PCMEncoder struct {
	cfg        AudioEncoderConfig
	sampleTB   core.Rational
	shortFrame bool
	out        queue[*core.Packet]
}

func NewPCMEncoder(cfg AudioEncoderConfig) (*PCMEncoder, error) {
	if cfg.SampleRate <= 0 || cfg.Layout.NumChannels() == 0 {
		return nil, fmt.Errorf("pcm: invalid rate %d or layout %s", cfg.SampleRate, cfg.Layout)
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("pcm: invalid frame size %d", cfg.FrameSize)
	}
	if !cfg.TimeBase.Valid() {
		cfg.TimeBase = core.NewRational(1, cfg.SampleRate)
	}
	return &PCMEncoder{cfg: cfg, sampleTB: core.NewRational(1, cfg.SampleRate)}, nil
}

func (e *PCMEncoder) TimeBase() core.Rational { return e.cfg.TimeBase }

func (e *PCMEncoder) FrameSize() int { return e.cfg.FrameSize }

func (e *PCMEncoder) VariableFinalFrame() bool { return !e.cfg.RequireFixedFrameSize }

func (e *PCMEncoder) SampleFormat() core.SampleFormat { return core.SampleFormatS16 }

func (e *PCMEncoder) SendFrame(frame *core.Frame) error {
	if err := e.out.accept(frame == nil); err != nil || frame == nil {
		return err
	}
	if frame.SampleFormat != core.SampleFormatS16 {
		return fmt.Errorf("pcm: unsupported sample format %s", frame.SampleFormat)
	}
	if frame.SampleRate != e.cfg.SampleRate || frame.Layout.NumChannels() != e.cfg.Layout.NumChannels() {
		return fmt.Errorf("pcm: frame is %d Hz %s, encoder expects %d Hz %s",
			frame.SampleRate, frame.Layout, e.cfg.SampleRate, e.cfg.Layout)
	}
	if e.shortFrame {
		return fmt.Errorf("pcm: frame sent after the final short frame")
	}
	if frame.NbSamples != e.cfg.FrameSize {
		if frame.NbSamples > e.cfg.FrameSize || !e.VariableFinalFrame() {
			return fmt.Errorf("pcm: frame has %d samples, frame size is %d", frame.NbSamples, e.cfg.FrameSize)
		}
		e.shortFrame = true
	}

	size := frame.NbSamples * 2 * e.cfg.Layout.NumChannels()
	e.out.push(&core.Packet{
		Data:     append([]byte(nil), frame.Data[0][:size]...),
		PTS:      frame.PTS,
		DTS:      frame.PTS,
		Duration: core.RescaleQ(int64(frame.NbSamples), e.sampleTB, e.cfg.TimeBase),
		TimeBase: e.cfg.TimeBase,
		Key:      true,
	})
	return nil
}

func (e *PCMEncoder) ReceivePacket() (*core.Packet, error) { return e.out.pop() }

func (e *PCMEncoder) Close() error {
	e.out.close()
	return nil
}
