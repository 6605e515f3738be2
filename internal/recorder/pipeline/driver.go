// Package pipeline drives a recording: it polls the capture sources, feeds
// the composition graph, stamps composite frames and hands them to the
// output, all from one goroutine that never blocks on any single step.
package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/avmerge/internal/recorder/capture"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/recorder/graph"
	"github.com/babelcloud/avmerge/internal/recorder/sink"
	"github.com/babelcloud/avmerge/internal/recorder/timing"
)

// canonicalFormat is the pixel format every picture is normalized to.
const canonicalFormat = core.PixelFormatI420

// State is the shutdown state of a driver. It only moves forward.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Stats summarizes a session.
type Stats struct {
	SessionID string
	State     State
	StartedAt time.Time
	StoppedAt time.Time

	VideoFrames  int64 // composite frames sent to the encoder
	AudioFrames  int64
	AudioSamples int64

	// FramesDropped counts frames lost to conversion or composition errors
	// and to stale frames being replaced in the graph.
	FramesDropped int64
	// FramesDiscarded counts composite frames pulled after the stop request.
	FramesDiscarded int64
	// AudioSamplesDropped counts samples lost to the queue limit.
	AudioSamplesDropped int64
	EncodeErrors        int64

	Output sink.Stats
}

// Option customizes a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithClock sets the clock used for pacing, the duration limit and idle
// waits.
func WithClock(clk clock.Clock) Option {
	return func(d *Driver) { d.clk = clk }
}

// WithDeviceOpener sets how input endpoints are opened.
func WithDeviceOpener(opener capture.Opener) Option {
	return func(d *Driver) { d.opener = opener }
}

// Driver owns the sources, the graph and the output of one session.
type Driver struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock
	opener capture.Opener
	id     uuid.UUID

	sources     []*capture.Source
	videoInputs []int // source index per graph video input
	audioInputs []int
	graph       *graph.Graph
	out         *sink.Sink
	videoClock  *timing.VideoClock
	audioClock  *timing.AudioClock
	frameSize   int

	state    atomic.Int32
	stopReq  atomic.Bool
	done     map[core.MediaType]bool
	cleanup  []func() error
	stats    Stats
	shutdown []error
	closed   bool
}

// New opens the inputs, builds the composition and opens the output. On
// error everything already opened is released.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	d := &Driver{
		cfg:  cfg,
		id:   uuid.New(),
		done: map[core.MediaType]bool{},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clk == nil {
		d.clk = clock.RealClock{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("session", d.id.String())
	if d.opener == nil {
		d.opener = capture.NewOpener(d.clk)
	}

	if err := d.setup(); err != nil {
		d.Close()
		return nil, err
	}
	d.stats.SessionID = d.id.String()
	d.stats.StartedAt = d.clk.Now()
	d.logger.Info("Recording started",
		"inputs", cfg.Inputs,
		"video", cfg.Video,
		"audio", cfg.Audio,
		"output", cfg.Output)
	return d, nil
}

func (d *Driver) setup() error {
	cfg := d.cfg
	needVideo, needAudio := videoInputs[cfg.Video], audioInputs[cfg.Audio]

	for i, endpoint := range cfg.Inputs {
		target := capture.AudioTarget{
			Format: core.SampleFormatS16,
			Rate:   cfg.SampleRate,
			Limit:  int(int64(cfg.AudioBufferLimit) * int64(cfg.SampleRate) / int64(time.Second)),
		}
		// Panned or merged audio keeps the device channels so the pan
		// expression can address them.
		if cfg.Pan == "" {
			target.Layout = cfg.ChannelLayout
		}
		src, err := capture.Open(capture.Options{
			Endpoint:    endpoint,
			Capture:     cfg.Capture,
			VideoFormat: canonicalFormat,
			Audio:       target,
			SkipVideo:   i >= needVideo,
			SkipAudio:   i >= needAudio,
		}, d.opener, d.logger)
		if err != nil {
			return err
		}
		d.sources = append(d.sources, src)
		d.cleanup = append(d.cleanup, src.Close)

		if i < needVideo {
			if _, ok := src.VideoInfo(); !ok {
				return errors.Errorf("input %q has no video", endpoint)
			}
			d.videoInputs = append(d.videoInputs, i)
		}
		if i < needAudio {
			if _, ok := src.AudioInfo(); !ok {
				return errors.Errorf("input %q has no audio", endpoint)
			}
			d.audioInputs = append(d.audioInputs, i)
		}
	}

	topo := graph.Topology{
		Video: cfg.Video,
		Audio: cfg.Audio,
		Crop:  cfg.Crop,
		Pan:   cfg.Pan,
	}
	if cfg.Audio != graph.AudioNone {
		topo.OutputLayout = cfg.ChannelLayout
	}
	for _, i := range d.videoInputs {
		info, _ := d.sources[i].VideoInfo()
		topo.VideoInputs = append(topo.VideoInputs, graph.Params{
			Type:        core.MediaTypeVideo,
			Width:       info.Width,
			Height:      info.Height,
			PixelFormat: canonicalFormat,
		})
	}
	for _, i := range d.audioInputs {
		topo.AudioInputs = append(topo.AudioInputs, graph.Params{
			Type:         core.MediaTypeAudio,
			SampleFormat: core.SampleFormatS16,
			SampleRate:   cfg.SampleRate,
			Layout:       d.sources[i].AudioLayout(),
		})
	}
	g, err := graph.Build(topo, d.logger)
	if err != nil {
		return errors.Wrap(err, "failed to build composition")
	}
	d.graph = g

	video, _ := g.Output(graph.VideoOut)
	sc := sink.Config{
		Path:   cfg.Output,
		Format: cfg.Format,
		Video: &sink.VideoConfig{
			Codec:           cfg.VideoCodec,
			Width:           video.Width,
			Height:          video.Height,
			FrameRate:       cfg.Capture.FrameRate,
			EncoderTimeBase: cfg.VideoEncoderTimeBase,
			StreamTimeBase:  cfg.VideoStreamTimeBase,
			Quality:         cfg.VideoQuality,
			Delay:           cfg.VideoDelay,
		},
	}
	if cfg.Audio != graph.AudioNone {
		sc.Audio = &sink.AudioConfig{
			Codec:                 cfg.AudioCodec,
			SampleRate:            cfg.SampleRate,
			Layout:                cfg.ChannelLayout,
			EncoderTimeBase:       cfg.AudioEncoderTimeBase,
			StreamTimeBase:        cfg.AudioStreamTimeBase,
			FrameSize:             cfg.FrameSize,
			RequireFixedFrameSize: cfg.RequireFixedFrameSize,
		}
	}
	out, err := sink.Open(sc, d.logger)
	if err != nil {
		return err
	}
	d.out = out
	d.cleanup = append(d.cleanup, out.Close)
	if out.HasAudio() && out.AudioSampleFormat() != core.SampleFormatS16 {
		return errors.Errorf("audio encoder wants %s samples", out.AudioSampleFormat())
	}

	d.videoClock = timing.NewVideoClock(cfg.Capture.FrameRate, out.EncoderTimeBase(core.MediaTypeVideo))
	if out.HasAudio() {
		d.audioClock = timing.NewAudioClock(cfg.SampleRate, out.EncoderTimeBase(core.MediaTypeAudio))
		d.frameSize = out.AudioFrameSize()
	}
	return nil
}

// ID identifies the session.
func (d *Driver) ID() string { return d.id.String() }

// State is the current shutdown state.
func (d *Driver) State() State { return State(d.state.Load()) }

func (d *Driver) setState(s State) {
	d.logger.Info("State changed", "from", d.State(), "to", s)
	d.state.Store(int32(s))
}

// Stop requests a graceful stop. It is safe to call from any goroutine and
// more than once; the request is observed at the start of the next tick.
func (d *Driver) Stop() {
	if d.stopReq.CompareAndSwap(false, true) {
		d.logger.Info("Stop requested")
	}
}

// Stats returns the session statistics. Call it from the goroutine running
// the driver or after Run returned.
func (d *Driver) Stats() Stats {
	s := d.stats
	s.State = d.State()
	if d.graph != nil {
		s.FramesDropped += d.graph.Dropped()
	}
	for _, src := range d.sources {
		s.AudioSamplesDropped += src.AudioDropped()
	}
	if d.out != nil {
		s.Output = d.out.Stats()
	}
	return s
}

// Run ticks until the session terminates. Cancelling ctx requests a stop;
// the driver still drains and finalizes the output before returning. The
// returned error joins the errors met while shutting down.
func (d *Driver) Run(ctx context.Context) error {
	for d.State() != StateTerminated {
		if ctx.Err() != nil {
			d.Stop()
		}
		if !d.Tick() {
			d.clk.Sleep(d.cfg.IdleInterval)
		}
	}
	return stderrors.Join(d.shutdown...)
}

// Tick runs one iteration of the loop and reports whether it made progress.
func (d *Driver) Tick() bool {
	if d.State() == StateTerminated {
		return false
	}
	progress := false
	if d.State() == StateRunning && d.stopReq.Load() {
		d.beginStop()
		progress = true
	}

	var frames []decoded
	for i, src := range d.sources {
		for n := 0; n < d.cfg.PacketsPerPoll; n++ {
			pkt, ok := src.PollPacket()
			if !ok {
				break
			}
			progress = true
			for _, f := range src.Decode(pkt) {
				frames = append(frames, decoded{input: i, frame: f})
			}
		}
	}
	// Capture order across inputs, so that composite inputs pair up when a
	// tick brings several frames per input.
	slices.SortStableFunc(frames, func(a, b decoded) int {
		return compareFrames(a.frame, b.frame)
	})
	for _, df := range frames {
		d.handleFrame(df.input, d.sources[df.input], df.frame)
		for d.pullVideo() {
			progress = true
		}
	}
	if d.mixAudio() {
		progress = true
	}
	for d.pullVideo() {
		progress = true
	}
	for d.pullAudio() {
		progress = true
	}
	// The duration limit is checked once the tick's captures are in, so
	// everything read up to the limit is kept.
	if d.State() == StateRunning && d.cfg.Duration > 0 && d.clk.Since(d.stats.StartedAt) >= d.cfg.Duration {
		d.Stop()
		d.beginStop()
		progress = true
	}

	if d.State() == StateStopping && d.receiveRemaining() {
		d.finish()
		progress = true
	}
	return progress
}

func (d *Driver) handleFrame(i int, src *capture.Source, f *core.Frame) {
	switch f.Type {
	case core.MediaTypeVideo:
		input := indexOf(d.videoInputs, i)
		if input < 0 {
			return
		}
		norm, err := src.NormalizeVideo(f)
		if err != nil {
			d.stats.FramesDropped++
			d.logger.Warn("Failed to normalize video", "input", i, "error", err)
			return
		}
		if err := d.graph.Push(graph.VideoIn(input), norm); err != nil {
			d.logger.Warn("Failed to push video", "input", i, "error", err)
		}
	case core.MediaTypeAudio:
		if indexOf(d.audioInputs, i) < 0 {
			return
		}
		if err := src.PushAudio(f); err != nil {
			d.stats.FramesDropped++
			d.logger.Warn("Failed to queue audio", "input", i, "error", err)
		}
	}
}

// mixAudio feeds the graph one frame per audio input for as long as every
// input has a whole frame queued.
func (d *Driver) mixAudio() bool {
	if len(d.audioInputs) == 0 {
		return false
	}
	progress := false
	for d.audioReady() {
		for k, i := range d.audioInputs {
			f, _ := d.sources[i].PopAudio(d.frameSize)
			d.pushAudio(k, f)
		}
		for d.pullAudio() {
		}
		progress = true
	}
	return progress
}

func (d *Driver) audioReady() bool {
	for _, i := range d.audioInputs {
		if d.sources[i].AudioBuffered() < d.frameSize {
			return false
		}
	}
	return true
}

func (d *Driver) pushAudio(input int, f *core.Frame) {
	if err := d.graph.Push(graph.AudioIn(input), f); err != nil {
		d.logger.Warn("Failed to push audio", "input", input, "error", err)
	}
}

// beginStop flushes queued audio into the encoder and enters STOPPING. It
// runs on the tick that observes the stop request, so nothing is submitted
// after the transition.
func (d *Driver) beginStop() {
	if len(d.audioInputs) > 0 {
		for d.drainAudio() {
			for d.pullAudio() {
			}
		}
	}
	d.stats.StoppedAt = d.clk.Now()
	d.setState(StateStopping)
}

// drainAudio pushes one frame per input made of what is left in the queues.
// Inputs with less are padded with silence so merged frames line up; the
// frame is short only when the encoder accepts a short final frame.
func (d *Driver) drainAudio() bool {
	n := 0
	for _, i := range d.audioInputs {
		n = max(n, min(d.sources[i].AudioBuffered(), d.frameSize))
	}
	if n == 0 {
		return false
	}
	if !d.out.VariableFinalFrame() {
		n = d.frameSize
	}
	for k, i := range d.audioInputs {
		src := d.sources[i]
		f := src.DrainAudio(n, true)
		if f == nil {
			f = core.NewAudioFrame(core.SampleFormatS16, src.AudioLayout(), d.cfg.SampleRate, n)
		}
		d.pushAudio(k, f)
	}
	d.logger.Debug("Drained audio", "samples", n)
	return true
}

func (d *Driver) pullVideo() bool {
	f, ok := d.graph.Pull(graph.VideoOut)
	if !ok {
		return false
	}
	if d.State() != StateRunning {
		d.stats.FramesDiscarded++
		return true
	}
	d.videoClock.Stamp(f)
	d.submit(core.MediaTypeVideo, f)
	d.stats.VideoFrames++
	return true
}

func (d *Driver) pullAudio() bool {
	if d.audioClock == nil {
		return false
	}
	f, ok := d.graph.Pull(graph.AudioOut)
	if !ok {
		return false
	}
	if d.State() != StateRunning {
		d.stats.FramesDiscarded++
		return true
	}
	d.audioClock.Stamp(f)
	d.submit(core.MediaTypeAudio, f)
	d.stats.AudioFrames++
	d.stats.AudioSamples += int64(f.NbSamples)
	return true
}

func (d *Driver) submit(kind core.MediaType, f *core.Frame) {
	pkts, err := d.out.Encode(kind, f)
	if err != nil {
		d.stats.EncodeErrors++
		d.logger.Warn("Failed to encode", "kind", kind, "pts", f.PTS, "error", err)
	}
	d.write(pkts)
}

func (d *Driver) write(pkts []*core.Packet) {
	for _, pkt := range pkts {
		if err := d.out.Write(pkt); err != nil {
			d.stats.EncodeErrors++
			d.logger.Warn("Failed to write packet", "stream", pkt.StreamIndex, "error", err)
		}
	}
}

// receiveRemaining collects packets the encoders still hold after the stop
// and reports whether every encoder has run dry.
func (d *Driver) receiveRemaining() bool {
	kinds := []core.MediaType{core.MediaTypeVideo}
	if d.out.HasAudio() {
		kinds = append(kinds, core.MediaTypeAudio)
	}
	all := true
	for _, kind := range kinds {
		if d.done[kind] {
			continue
		}
		pkt, err := d.out.Receive(kind)
		switch {
		case err == nil:
			d.write([]*core.Packet{pkt})
			all = false
		case stderrors.Is(err, core.ErrAgain), stderrors.Is(err, core.ErrEOF):
			d.done[kind] = true
		default:
			d.logger.Warn("Failed to receive packet", "kind", kind, "error", err)
			d.done[kind] = true
		}
	}
	return all
}

// finish flushes the encoders and writes the trailer.
func (d *Driver) finish() {
	d.setState(StateDraining)
	if err := d.out.Finalize(); err != nil {
		d.logger.Error("Failed to finalize output", "error", err)
		d.shutdown = append(d.shutdown, err)
	}
	d.setState(StateTerminated)
	st := d.Stats()
	d.logger.Info("Recording finished",
		"video_frames", st.VideoFrames,
		"audio_samples", st.AudioSamples,
		"dropped", st.FramesDropped,
		"discarded", st.FramesDiscarded,
		"duration", st.StoppedAt.Sub(st.StartedAt))
}

// Close releases the inputs and the output in reverse order of acquisition.
// An output that was never finalized is removed.
func (d *Driver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		if err := d.cleanup[i](); err != nil {
			d.logger.Warn("Cleanup failed", "error", err)
			errs = append(errs, err)
		}
	}
	d.cleanup = nil
	return stderrors.Join(errs...)
}

// decoded is a frame together with the input it was captured on.
type decoded struct {
	input int
	frame *core.Frame
}

// compareFrames orders frames by capture time. Frames without a timestamp
// keep their place.
func compareFrames(a, b *core.Frame) int {
	if a.PTS == core.NoPTS || b.PTS == core.NoPTS || a.TimeBase.Den == 0 || b.TimeBase.Den == 0 {
		return 0
	}
	return core.Compare(a.PTS, a.TimeBase, b.PTS, b.TimeBase)
}

func indexOf(s []int, v int) int {
	for k, x := range s {
		if x == v {
			return k
		}
	}
	return -1
}
