package capture

import (
	stderrors "errors"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/convert"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/recorder/fifo"
)

// AudioTarget is the canonical audio form a source converts to before
// buffering. A zero Layout keeps the device's channel layout.
type AudioTarget struct {
	Format core.SampleFormat
	Rate   int
	Layout core.ChannelLayout
	// Limit caps the buffered samples; the oldest are dropped beyond it.
	Limit int
}

// Options configures a Source.
type Options struct {
	Endpoint string
	Capture  Config
	// VideoFormat is the pixel format decoded pictures are normalized to.
	VideoFormat core.PixelFormat
	Audio       AudioTarget
	// SkipVideo and SkipAudio ignore a stream the device offers.
	SkipVideo bool
	SkipAudio bool
}

type input struct {
	info    core.StreamInfo
	decoder codec.Decoder
}

// Source is one opened capture endpoint with its decoders and, for audio,
// the resampler and sample queue feeding the composition.
type Source struct {
	endpoint string
	logger   *slog.Logger
	device   Device
	opts     Options

	video *input
	audio *input

	resampler *convert.Resampler
	fifo      *fifo.AudioFIFO

	packets  int64
	failures int64
	closed   bool
}

// Open opens the endpoint through opener and a decoder per stream it uses.
// Everything opened so far is released when a later step fails.
func Open(opts Options, opener Opener, logger *slog.Logger) (_ *Source, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		endpoint: opts.Endpoint,
		logger:   logger.With("component", "capture", "endpoint", opts.Endpoint),
		opts:     opts,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.device, err = opener(opts.Endpoint, opts.Capture); err != nil {
		return nil, errors.Wrapf(err, "failed to open input %q", opts.Endpoint)
	}

	for _, info := range s.device.Streams() {
		switch {
		case info.Type == core.MediaTypeVideo && s.video == nil && !opts.SkipVideo:
			dec, err := codec.OpenDecoder(info)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open video decoder for %q", opts.Endpoint)
			}
			s.video = &input{info: info, decoder: dec}
		case info.Type == core.MediaTypeAudio && s.audio == nil && !opts.SkipAudio:
			dec, err := codec.OpenDecoder(info)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to open audio decoder for %q", opts.Endpoint)
			}
			s.audio = &input{info: info, decoder: dec}
		}
	}
	if s.video == nil && s.audio == nil {
		return nil, errors.Errorf("input %q has no usable stream", opts.Endpoint)
	}

	if s.audio != nil {
		layout := opts.Audio.Layout
		if layout.NumChannels() == 0 {
			layout = s.audio.info.Layout
		}
		if s.resampler, err = convert.NewResampler(opts.Audio.Format, opts.Audio.Rate, layout); err != nil {
			return nil, errors.Wrapf(err, "failed to set up audio conversion for %q", opts.Endpoint)
		}
		if s.fifo, err = fifo.New(opts.Audio.Format, layout, opts.Audio.Rate, opts.Audio.Limit); err != nil {
			return nil, errors.Wrapf(err, "failed to set up audio queue for %q", opts.Endpoint)
		}
	}

	s.logger.Info("Input opened",
		"video", s.video != nil,
		"audio", s.audio != nil,
		"framerate", opts.Capture.FrameRate,
		"pixel_format", opts.Capture.PixelFormat,
		"capture_cursor", opts.Capture.CaptureCursor)
	return s, nil
}

// Endpoint is the endpoint string the source was opened with.
func (s *Source) Endpoint() string { return s.endpoint }

// VideoInfo describes the decoded video stream.
func (s *Source) VideoInfo() (core.StreamInfo, bool) {
	if s.video == nil {
		return core.StreamInfo{}, false
	}
	return s.video.info, true
}

// AudioInfo describes the decoded audio stream.
func (s *Source) AudioInfo() (core.StreamInfo, bool) {
	if s.audio == nil {
		return core.StreamInfo{}, false
	}
	return s.audio.info, true
}

// AudioLayout is the layout of buffered audio.
func (s *Source) AudioLayout() core.ChannelLayout {
	if s.resampler == nil {
		return core.ChannelLayout{}
	}
	return s.resampler.Layout()
}

// PollPacket returns a packet of a stream the source uses, or false when
// nothing is available. Device errors count as nothing available.
func (s *Source) PollPacket() (*core.Packet, bool) {
	for {
		pkt, err := s.device.ReadPacket()
		if stderrors.Is(err, core.ErrAgain) {
			return nil, false
		}
		if err != nil {
			s.failures++
			s.logger.Debug("Read failed", "error", err)
			return nil, false
		}
		if s.inputFor(pkt.StreamIndex) == nil {
			continue
		}
		s.packets++
		return pkt, true
	}
}

func (s *Source) inputFor(index int) *input {
	if s.video != nil && s.video.info.Index == index {
		return s.video
	}
	if s.audio != nil && s.audio.info.Index == index {
		return s.audio
	}
	return nil
}

// Decode feeds pkt to its decoder and returns the frames it produced. A
// decode error is logged and yields no frames.
func (s *Source) Decode(pkt *core.Packet) []*core.Frame {
	in := s.inputFor(pkt.StreamIndex)
	if in == nil {
		return nil
	}
	if err := in.decoder.SendPacket(pkt); err != nil {
		s.failures++
		s.logger.Debug("Decode failed", "stream", pkt.StreamIndex, "error", err)
		return nil
	}
	var frames []*core.Frame
	for {
		f, err := in.decoder.ReceiveFrame()
		if err != nil {
			if !stderrors.Is(err, core.ErrAgain) && !stderrors.Is(err, core.ErrEOF) {
				s.logger.Debug("Receive frame failed", "stream", pkt.StreamIndex, "error", err)
			}
			return frames
		}
		frames = append(frames, f)
	}
}

// NormalizeVideo converts a decoded picture to the canonical pixel format
// at the stream's native size.
func (s *Source) NormalizeVideo(f *core.Frame) (*core.Frame, error) {
	if s.video == nil {
		return nil, errors.New("source has no video")
	}
	return convert.NormalizeVideo(f, s.opts.VideoFormat, s.video.info.Width, s.video.info.Height)
}

// PushAudio converts a decoded audio frame and appends it to the queue.
func (s *Source) PushAudio(f *core.Frame) error {
	if s.fifo == nil {
		return errors.New("source has no audio")
	}
	out, err := s.resampler.NormalizeAudio(f)
	if err != nil || out == nil {
		return err
	}
	return s.fifo.Push(out)
}

// AudioBuffered is the number of queued samples.
func (s *Source) AudioBuffered() int {
	if s.fifo == nil {
		return 0
	}
	return s.fifo.Size()
}

// AudioDropped is the number of samples discarded by the queue limit.
func (s *Source) AudioDropped() int64 {
	if s.fifo == nil {
		return 0
	}
	return s.fifo.Dropped()
}

// PopAudio removes exactly n samples.
func (s *Source) PopAudio(n int) (*core.Frame, bool) {
	if s.fifo == nil {
		return nil, false
	}
	return s.fifo.PopFixed(n)
}

// DrainAudio removes what is left, padded with silence to n samples when
// pad is set. It returns nil when nothing is queued.
func (s *Source) DrainAudio(n int, pad bool) *core.Frame {
	if s.fifo == nil {
		return nil
	}
	return s.fifo.Drain(n, pad)
}

// Stats reports packets read and read or decode failures.
func (s *Source) Stats() (packets, failures int64) { return s.packets, s.failures }

// Close releases the decoders and the device.
func (s *Source) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, in := range []*input{s.video, s.audio} {
		if in != nil {
			in.decoder.Close()
		}
	}
	if s.fifo != nil {
		s.fifo.Reset()
	}
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			return errors.Wrapf(err, "failed to close input %q", s.endpoint)
		}
	}
	s.logger.Info("Input closed", "packets", s.packets, "failures", s.failures)
	return nil
}
