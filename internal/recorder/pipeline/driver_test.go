package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/babelcloud/avmerge/internal/recorder/capture"
	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/recorder/graph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func fakeClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

// stalledDevice offers streams but never delivers a packet.
type stalledDevice struct{ streams []core.StreamInfo }

func (d *stalledDevice) Streams() []core.StreamInfo        { return d.streams }
func (d *stalledDevice) ReadPacket() (*core.Packet, error) { return nil, core.ErrAgain }
func (d *stalledDevice) Close() error                      { return nil }

// testOpener resolves small synthetic devices: video "small", audio "mic"
// (48 kHz stereo float) and "line" (44.1 kHz mono), and "dead" for a
// device that never produces.
func testOpener(clk *testingclock.FakeClock) capture.Opener {
	return func(endpoint string, cfg capture.Config) (capture.Device, error) {
		video, audio, err := capture.ParseEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		if video == "dead" {
			return &stalledDevice{streams: []core.StreamInfo{
				{Index: 0, Type: core.MediaTypeVideo, Codec: codec.RawVideo, Width: 64, Height: 48,
					PixelFormat: cfg.PixelFormat, TimeBase: core.NewRational(1, 1_000_000)},
				{Index: 1, Type: core.MediaTypeAudio, Codec: codec.PCMS16LE, SampleRate: 48000,
					SampleFormat: core.SampleFormatS16, Layout: core.DefaultLayout(1), TimeBase: core.NewRational(1, 48000)},
			}}, nil
		}
		opts := capture.PatternOptions{FrameRate: cfg.FrameRate, PixelFormat: cfg.PixelFormat, Seed: uint64(len(endpoint))}
		switch video {
		case "":
		case "small":
			opts.Video, opts.Width, opts.Height, opts.Pattern = true, 64, 48, capture.PatternBars
		default:
			return nil, fmt.Errorf("no video device %q", video)
		}
		switch audio {
		case "":
		case "mic":
			opts.Audio, opts.SampleRate, opts.Layout, opts.SampleFormat = true, 48000, core.DefaultLayout(2), core.SampleFormatF32
			opts.Frequency, opts.MinChunk, opts.MaxChunk = 440, 470, 530
		case "line":
			opts.Audio, opts.SampleRate, opts.Layout, opts.SampleFormat = true, 44100, core.DefaultLayout(1), core.SampleFormatS16
			opts.Frequency, opts.MinChunk, opts.MaxChunk = 660, 470, 530
		default:
			return nil, fmt.Errorf("no audio device %q", audio)
		}
		return capture.NewPatternDevice(opts, clk)
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Inputs = []string{"small:mic", "small:line"}
	cfg.Crop = graph.Rect{X: 8, Y: 0, Width: 32, Height: 48}
	cfg.Output = filepath.Join(t.TempDir(), "out.mp4")
	return cfg
}

func newDriver(t *testing.T, cfg Config, clk *testingclock.FakeClock) *Driver {
	d, err := New(cfg, WithClock(clk), WithLogger(testLogger()), WithDeviceOpener(testOpener(clk)))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRecordThreeSeconds(t *testing.T) {
	for _, ext := range []string{".mp4", ".webm"} {
		t.Run(ext, func(t *testing.T) {
			clk := fakeClock()
			cfg := testConfig(t)
			cfg.Output = filepath.Join(t.TempDir(), "out"+ext)
			cfg.Duration = 3 * time.Second
			d := newDriver(t, cfg, clk)
			assert.Equal(t, StateRunning, d.State())

			require.NoError(t, d.Run(context.Background()))
			assert.Equal(t, StateTerminated, d.State())

			st := d.Stats()
			assert.InDelta(t, 90, st.VideoFrames, 1)
			assert.InDelta(t, 144000, st.AudioSamples, 1024)
			assert.Equal(t, st.VideoFrames, st.Output.VideoPackets)
			assert.Equal(t, st.AudioSamples, st.Output.AudioSamples)
			assert.Zero(t, st.EncodeErrors)
			assert.Equal(t, d.ID(), st.SessionID)
			assert.Equal(t, 3*time.Second, st.StoppedAt.Sub(st.StartedAt))

			info, err := os.Stat(cfg.Output)
			require.NoError(t, err)
			assert.Equal(t, st.Output.Bytes, info.Size())
			partials, _ := filepath.Glob(cfg.Output + ".partial-*")
			assert.Empty(t, partials)
		})
	}
}

// tickWithSteps ticks d until it terminates, advancing clk by the next of
// steps after every tick whatever the tick did.
func tickWithSteps(t *testing.T, d *Driver, clk *testingclock.FakeClock, steps ...time.Duration) {
	t.Helper()
	for n := 0; d.State() != StateTerminated; n++ {
		require.Less(t, n, 10000, "driver did not terminate")
		d.Tick()
		clk.Step(steps[n%len(steps)])
	}
}

func TestRecordWithIrregularTicks(t *testing.T) {
	tests := []struct {
		name  string
		ext   string
		steps []time.Duration
	}{
		{"coarse", ".mp4", []time.Duration{100 * time.Millisecond}},
		{"bursty", ".mp4", []time.Duration{time.Millisecond, 149 * time.Millisecond}},
		{"bursty webm", ".webm", []time.Duration{149 * time.Millisecond, time.Millisecond}},
		{"jittery", ".mp4", []time.Duration{7 * time.Millisecond, 45 * time.Millisecond, 23 * time.Millisecond, 125 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := fakeClock()
			cfg := testConfig(t)
			cfg.Output = filepath.Join(t.TempDir(), "out"+tt.ext)
			cfg.Duration = 3 * time.Second
			d := newDriver(t, cfg, clk)

			tickWithSteps(t, d, clk, tt.steps...)

			st := d.Stats()
			assert.InDelta(t, 90, st.VideoFrames, 1)
			assert.InDelta(t, 144000, st.AudioSamples, 1024)
			assert.Zero(t, st.FramesDropped, "every composite reaches the encoder")
			assert.Equal(t, st.VideoFrames, st.Output.VideoPackets)
			assert.Equal(t, st.AudioSamples, st.Output.AudioSamples)
			// The sink refuses a packet whose timestamp does not increase.
			assert.Zero(t, st.EncodeErrors)
		})
	}
}

func TestInterruptStopsSubmissions(t *testing.T) {
	clk := fakeClock()
	cfg := testConfig(t)
	cfg.VideoDelay = 2
	d := newDriver(t, cfg, clk)

	for clk.Since(d.Stats().StartedAt) < time.Second {
		if !d.Tick() {
			clk.Sleep(cfg.IdleInterval)
		}
	}
	require.Equal(t, StateRunning, d.State())
	before := d.Stats()
	require.Greater(t, before.VideoFrames, int64(25))

	d.Stop()
	d.Stop()
	d.Tick()
	assert.NotEqual(t, StateRunning, d.State())
	stopped := d.Stats()
	assert.Equal(t, before.VideoFrames, stopped.VideoFrames, "no video is submitted on the stop tick")
	assert.GreaterOrEqual(t, stopped.AudioSamples, before.AudioSamples)

	for d.State() != StateTerminated {
		if !d.Tick() {
			clk.Sleep(cfg.IdleInterval)
		}
	}
	final := d.Stats()
	assert.Equal(t, stopped.VideoFrames, final.VideoFrames)
	assert.Equal(t, stopped.AudioFrames, final.AudioFrames)
	// Packets held back by the encoder are flushed at the end.
	assert.Equal(t, final.VideoFrames, final.Output.VideoPackets)

	_, err := os.Stat(cfg.Output)
	assert.NoError(t, err)

	assert.False(t, d.Tick())
	require.NoError(t, d.Run(context.Background()))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

func TestCancelledContextStopsRun(t *testing.T) {
	clk := fakeClock()
	cfg := testConfig(t)
	d := newDriver(t, cfg, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, StateTerminated, d.State())
	assert.Zero(t, d.Stats().VideoFrames)

	_, err := os.Stat(cfg.Output)
	assert.NoError(t, err, "the output is finalized even without frames")
}

func TestTopologyVariants(t *testing.T) {
	tests := []struct {
		name        string
		inputs      []string
		video       graph.VideoLayout
		audio       graph.AudioLayout
		pan         string
		wantSamples bool
	}{
		{"passthrough single audio", []string{"small:mic"}, graph.VideoPassthrough, graph.AudioSingle, "", true},
		{"crop video only", []string{"small:"}, graph.VideoCrop, graph.AudioNone, "", false},
		{"side by side video only", []string{"small:", "small:"}, graph.VideoSideBySide, graph.AudioNone, "", false},
		{"crop panned mono source", []string{"small:line"}, graph.VideoCrop, graph.AudioSingle, "stereo|FL=c0|FR=c0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := fakeClock()
			cfg := testConfig(t)
			cfg.Inputs = tt.inputs
			cfg.Video = tt.video
			cfg.Audio = tt.audio
			cfg.Pan = tt.pan
			cfg.Duration = time.Second
			d := newDriver(t, cfg, clk)

			require.NoError(t, d.Run(context.Background()))
			st := d.Stats()
			assert.InDelta(t, 30, st.VideoFrames, 1)
			if tt.wantSamples {
				assert.InDelta(t, 48000, st.AudioSamples, 1024)
			} else {
				assert.Zero(t, st.AudioSamples)
				assert.Zero(t, st.Output.AudioPackets)
			}
		})
	}
}

func TestStalledSourceDoesNotBlockShutdown(t *testing.T) {
	clk := fakeClock()
	cfg := testConfig(t)
	cfg.Inputs = []string{"small:mic", "dead:dead"}
	cfg.Duration = 3 * time.Second
	d := newDriver(t, cfg, clk)

	require.NoError(t, d.Run(context.Background()))
	st := d.Stats()
	assert.Equal(t, StateTerminated, st.State)
	assert.Zero(t, st.VideoFrames, "the overlay never gets its second input")
	assert.Greater(t, st.AudioSamplesDropped, int64(0), "the live queue is capped")
	// What stayed queued is emitted at shutdown against silence.
	assert.InDelta(t, 96000, st.AudioSamples, 1024)
}

func TestNewFailureLeavesNoOutput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown device", func(c *Config) { c.Inputs = []string{"nope:mic", "small:line"} }},
		{"missing audio", func(c *Config) { c.Inputs = []string{"small:", "small:line"} }},
		{"crop outside input", func(c *Config) { c.Crop = graph.Rect{X: 40, Width: 32, Height: 48} }},
		{"pan channel out of range", func(c *Config) { c.Pan = "stereo|FL=c0|FR=c7" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := fakeClock()
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := New(cfg, WithClock(clk), WithLogger(testLogger()), WithDeviceOpener(testOpener(clk)))
			assert.Error(t, err)
			entries, err := os.ReadDir(filepath.Dir(cfg.Output))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestCloseWithoutRunRemovesPartial(t *testing.T) {
	clk := fakeClock()
	cfg := testConfig(t)
	d, err := New(cfg, WithClock(clk), WithLogger(testLogger()), WithDeviceOpener(testOpener(clk)))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	entries, err := os.ReadDir(filepath.Dir(cfg.Output))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no inputs", func(c *Config) { c.Inputs = nil }},
		{"three inputs", func(c *Config) { c.Inputs = []string{"a:", "b:", "c:"} }},
		{"no video", func(c *Config) { c.Video = graph.VideoNone }},
		{"side by side with one input", func(c *Config) { c.Inputs = c.Inputs[:1] }},
		{"merge without pan", func(c *Config) { c.Pan = "" }},
		{"empty crop", func(c *Config) { c.Crop = graph.Rect{} }},
		{"bad frame size", func(c *Config) { c.FrameSize = 0 }},
		{"no output", func(c *Config) { c.Output = "" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStatsBeforeSetup(t *testing.T) {
	var st Stats
	assert.NotPanics(t, func() { st = (&Driver{}).Stats() })
	assert.Equal(t, StateRunning, st.State)
	assert.Zero(t, st.FramesDropped)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "STOPPING", StateStopping.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
}
