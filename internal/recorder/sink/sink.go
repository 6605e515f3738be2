// Package sink owns the output side of a recording: the encoders, the
// container muxer and the file they write to.
package sink

import (
	"bufio"
	stderrors "errors"
	"io"
	"log/slog"
	"os"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/container"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/recorder/timing"
)

// ErrNonMonotonic rejects a packet whose decoding timestamp does not
// advance past the previous packet of its stream.
var ErrNonMonotonic = stderrors.New("non-monotonic timestamp")

// VideoConfig describes the encoded video stream.
type VideoConfig struct {
	Codec     string
	Width     int
	Height    int
	FrameRate core.Rational
	// EncoderTimeBase is the time base of frames submitted to the encoder.
	EncoderTimeBase core.Rational
	// StreamTimeBase is the time base requested for the container stream.
	StreamTimeBase core.Rational
	Quality        int
	Delay          int
}

// AudioConfig describes the encoded audio stream.
type AudioConfig struct {
	Codec                 string
	SampleRate            int
	Layout                core.ChannelLayout
	EncoderTimeBase       core.Rational
	StreamTimeBase        core.Rational
	FrameSize             int
	RequireFixedFrameSize bool
}

// Config describes an output file. Format defaults to the one implied by
// the Path extension. Audio may be nil.
type Config struct {
	Path   string
	Format container.Format
	Video  *VideoConfig
	Audio  *AudioConfig
}

// Stats counts what was written per stream.
type Stats struct {
	VideoPackets int64
	AudioPackets int64
	AudioSamples int64
	Bytes        int64
}

// Sink encodes composite frames and writes the packets into a container.
// Data goes to a partial file next to Path that is renamed into place once
// the trailer is written.
type Sink struct {
	cfg     Config
	logger  *slog.Logger
	file    *os.File
	buf     *bufio.Writer
	partial string
	muxer   container.Muxer

	video      codec.Encoder
	audio      codec.AudioEncoder
	videoIndex int
	audioIndex int

	stats     Stats
	lastDTS   map[int]int64 // per stream, in the stream time base
	finalized bool
	closed    bool
}

// Open creates the partial output file, opens the encoders and writes the
// container header. Everything acquired is released if any step fails.
func Open(cfg Config, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("output path is empty")
	}
	if cfg.Video == nil {
		return nil, errors.New("output needs a video stream")
	}
	if cfg.Format == "" {
		format, err := container.FormatFromPath(cfg.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to select container")
		}
		cfg.Format = format
	}

	s := &Sink{
		cfg:        cfg,
		logger:     logger.With("component", "sink", "path", cfg.Path),
		partial:    cfg.Path + ".partial-" + uniuri.NewLen(8),
		videoIndex: -1,
		audioIndex: -1,
	}
	if err := s.open(); err != nil {
		if aerr := s.Abort(); aerr != nil {
			s.logger.Warn("Failed to clean up output", "error", aerr)
		}
		return nil, err
	}
	s.logger.Info("Output opened",
		"format", cfg.Format,
		"partial", s.partial,
		"video_tb", s.muxer.TimeBase(s.videoIndex),
		"audio", cfg.Audio != nil)
	return s, nil
}

func (s *Sink) open() error {
	var err error
	if s.file, err = os.Create(s.partial); err != nil {
		return errors.Wrapf(err, "failed to create %s", s.partial)
	}
	s.buf = bufio.NewWriterSize(s.file, 1<<20)
	if s.muxer, err = container.New(s.cfg.Format, &countingWriter{w: s.buf, n: &s.stats.Bytes}, s.logger); err != nil {
		return errors.Wrap(err, "failed to create muxer")
	}
	if err = s.openVideo(s.cfg.Video); err != nil {
		return err
	}
	if s.cfg.Audio != nil {
		if err = s.openAudio(s.cfg.Audio); err != nil {
			return err
		}
	}
	return errors.Wrap(s.muxer.WriteHeader(), "failed to write header")
}

func (s *Sink) openVideo(vc *VideoConfig) error {
	enc, err := codec.OpenVideoEncoder(vc.Codec, codec.VideoEncoderConfig{
		Width:     vc.Width,
		Height:    vc.Height,
		FrameRate: vc.FrameRate,
		TimeBase:  vc.EncoderTimeBase,
		Quality:   vc.Quality,
		Delay:     vc.Delay,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open video encoder")
	}
	s.video = enc
	s.videoIndex, err = s.muxer.AddStream(container.Stream{
		Type:      core.MediaTypeVideo,
		Codec:     vc.Codec,
		Width:     vc.Width,
		Height:    vc.Height,
		FrameRate: vc.FrameRate,
		TimeBase:  streamTimeBase(vc.StreamTimeBase, vc.EncoderTimeBase),
	})
	return errors.Wrap(err, "failed to add video stream")
}

func (s *Sink) openAudio(ac *AudioConfig) error {
	enc, err := codec.OpenAudioEncoder(ac.Codec, codec.AudioEncoderConfig{
		SampleRate:            ac.SampleRate,
		Layout:                ac.Layout,
		TimeBase:              ac.EncoderTimeBase,
		FrameSize:             ac.FrameSize,
		RequireFixedFrameSize: ac.RequireFixedFrameSize,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open audio encoder")
	}
	s.audio = enc
	s.audioIndex, err = s.muxer.AddStream(container.Stream{
		Type:       core.MediaTypeAudio,
		Codec:      ac.Codec,
		SampleRate: ac.SampleRate,
		Channels:   ac.Layout.NumChannels(),
		BitDepth:   enc.SampleFormat().BytesPerSample() * 8,
		TimeBase:   streamTimeBase(ac.StreamTimeBase, enc.TimeBase()),
	})
	return errors.Wrap(err, "failed to add audio stream")
}

func streamTimeBase(requested, encoder core.Rational) core.Rational {
	if requested.Valid() {
		return requested
	}
	return encoder
}

// Path is the final output path.
func (s *Sink) Path() string { return s.cfg.Path }

// HasAudio reports whether the output carries an audio stream.
func (s *Sink) HasAudio() bool { return s.audio != nil }

// AudioFrameSize is the number of samples every audio frame must carry, 0
// without audio.
func (s *Sink) AudioFrameSize() int {
	if s.audio == nil {
		return 0
	}
	return s.audio.FrameSize()
}

// AudioSampleFormat is the sample format the audio encoder consumes.
func (s *Sink) AudioSampleFormat() core.SampleFormat {
	if s.audio == nil {
		return core.SampleFormatNone
	}
	return s.audio.SampleFormat()
}

// VariableFinalFrame reports whether the last audio frame may be short.
func (s *Sink) VariableFinalFrame() bool {
	return s.audio != nil && s.audio.VariableFinalFrame()
}

// EncoderTimeBase is the time base frames of kind must be stamped in.
func (s *Sink) EncoderTimeBase(kind core.MediaType) core.Rational {
	if enc := s.encoder(kind); enc != nil {
		return enc.TimeBase()
	}
	return core.Rational{}
}

// Stats returns what was written so far.
func (s *Sink) Stats() Stats { return s.stats }

func (s *Sink) encoder(kind core.MediaType) codec.Encoder {
	switch kind {
	case core.MediaTypeVideo:
		if s.video != nil {
			return s.video
		}
	case core.MediaTypeAudio:
		if s.audio != nil {
			return s.audio
		}
	}
	return nil
}

func (s *Sink) streamIndex(kind core.MediaType) int {
	if kind == core.MediaTypeAudio {
		return s.audioIndex
	}
	return s.videoIndex
}

// Submit sends a stamped frame to the encoder of kind. A nil frame flushes
// the encoder.
func (s *Sink) Submit(kind core.MediaType, frame *core.Frame) error {
	enc := s.encoder(kind)
	if enc == nil {
		return errors.Errorf("no %s encoder", kind)
	}
	return enc.SendFrame(frame)
}

// Receive returns the next packet of kind, core.ErrAgain when the encoder
// needs more input and core.ErrEOF once a flushed encoder is empty.
func (s *Sink) Receive(kind core.MediaType) (*core.Packet, error) {
	enc := s.encoder(kind)
	if enc == nil {
		return nil, errors.Errorf("no %s encoder", kind)
	}
	pkt, err := enc.ReceivePacket()
	if err != nil {
		return nil, err
	}
	pkt.StreamIndex = s.streamIndex(kind)
	if !pkt.TimeBase.Valid() {
		pkt.TimeBase = enc.TimeBase()
	}
	return pkt, nil
}

// Encode submits frame and returns every packet the encoder has ready.
func (s *Sink) Encode(kind core.MediaType, frame *core.Frame) ([]*core.Packet, error) {
	if err := s.Submit(kind, frame); err != nil {
		return nil, err
	}
	var pkts []*core.Packet
	for {
		pkt, err := s.Receive(kind)
		if stderrors.Is(err, core.ErrAgain) || stderrors.Is(err, core.ErrEOF) {
			return pkts, nil
		}
		if err != nil {
			return pkts, err
		}
		pkts = append(pkts, pkt)
	}
}

// Write converts pkt from the encoder time base into the stream time base
// and hands it to the muxer.
func (s *Sink) Write(pkt *core.Packet) error {
	if s.finalized || s.closed {
		return errors.New("output already finalized")
	}
	var samples int64
	if pkt.StreamIndex == s.audioIndex && s.audio != nil {
		// Counted before the stream time base can round the duration.
		samples = core.RescaleQ(pkt.Duration, pkt.TimeBase, core.NewRational(1, s.cfg.Audio.SampleRate))
	}
	timing.RescalePacket(pkt, pkt.TimeBase, s.muxer.TimeBase(pkt.StreamIndex))
	dts := pkt.DTS
	if dts == core.NoPTS {
		dts = pkt.PTS
	}
	if last, ok := s.lastDTS[pkt.StreamIndex]; ok && dts <= last {
		return errors.Wrapf(ErrNonMonotonic, "stream %d: dts %d after %d", pkt.StreamIndex, dts, last)
	}
	if err := s.muxer.WritePacket(pkt); err != nil {
		return err
	}
	if s.lastDTS == nil {
		s.lastDTS = map[int]int64{}
	}
	s.lastDTS[pkt.StreamIndex] = dts
	switch pkt.StreamIndex {
	case s.videoIndex:
		s.stats.VideoPackets++
	case s.audioIndex:
		s.stats.AudioPackets++
		s.stats.AudioSamples += samples
	}
	return nil
}

// Finalize flushes every encoder, writes the remaining packets and the
// trailer, and moves the file to its final path. Only the first call does
// anything.
func (s *Sink) Finalize() error {
	if s.finalized || s.closed {
		return nil
	}
	var errs []error
	for _, kind := range []core.MediaType{core.MediaTypeVideo, core.MediaTypeAudio} {
		if s.encoder(kind) == nil {
			continue
		}
		if err := s.flush(kind); err != nil {
			s.logger.Warn("Failed to flush encoder", "kind", kind, "error", err)
			errs = append(errs, errors.Wrapf(err, "flush %s", kind))
		}
	}

	s.finalized = true
	if err := s.muxer.WriteTrailer(); err != nil {
		errs = append(errs, errors.Wrap(err, "failed to write trailer"))
	}
	if err := s.buf.Flush(); err != nil {
		errs = append(errs, errors.Wrap(err, "failed to flush output"))
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Rename(s.partial, s.cfg.Path); err != nil {
		errs = append(errs, errors.Wrapf(err, "failed to move output to %s", s.cfg.Path))
	} else {
		s.logger.Info("Output finalized",
			"video_packets", s.stats.VideoPackets,
			"audio_packets", s.stats.AudioPackets,
			"bytes", s.stats.Bytes)
	}
	return stderrors.Join(errs...)
}

func (s *Sink) flush(kind core.MediaType) error {
	if err := s.Submit(kind, nil); err != nil && !stderrors.Is(err, core.ErrEOF) {
		return err
	}
	for {
		pkt, err := s.Receive(kind)
		if stderrors.Is(err, core.ErrEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.Write(pkt); err != nil {
			return err
		}
	}
}

// Abort releases everything and removes the partial file.
func (s *Sink) Abort() error {
	if s.closed {
		return nil
	}
	err := s.release()
	if rerr := os.Remove(s.partial); rerr != nil && !os.IsNotExist(rerr) {
		err = stderrors.Join(err, errors.Wrap(rerr, "failed to remove partial output"))
	}
	s.logger.Info("Output aborted", "partial", s.partial)
	return err
}

// Close aborts an output that was never finalized.
func (s *Sink) Close() error {
	if s.finalized {
		return s.release()
	}
	return s.Abort()
}

func (s *Sink) release() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.video != nil {
		s.video.Close()
	}
	if s.audio != nil {
		s.audio.Close()
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return errors.Wrap(err, "failed to close output")
		}
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}
