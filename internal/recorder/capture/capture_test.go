package capture

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func fakeClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func smallOptions() PatternOptions {
	return PatternOptions{
		Video:        true,
		Width:        64,
		Height:       48,
		FrameRate:    core.NewRational(30, 1),
		PixelFormat:  core.PixelFormatUYVY422,
		Pattern:      PatternBars,
		Audio:        true,
		SampleRate:   48000,
		Layout:       core.DefaultLayout(2),
		SampleFormat: core.SampleFormatS16,
		Frequency:    440,
		MinChunk:     480,
		MaxChunk:     480,
		Seed:         1,
	}
}

func readAll(t *testing.T, d Device) []*core.Packet {
	var out []*core.Packet
	for {
		pkt, err := d.ReadPacket()
		if err == core.ErrAgain {
			return out
		}
		require.NoError(t, err)
		out = append(out, pkt)
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		video, audio string
		err          bool
	}{
		{"0:0", "0", "0", false},
		{"2:", "2", "", false},
		{":1", "", "1", false},
		{" 1 : 2 ", "1", "2", false},
		{":", "", "", true},
		{"3", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			video, audio, err := ParseEndpoint(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.video, video)
			assert.Equal(t, tt.audio, audio)
		})
	}
}

func TestOpenDeviceRejectsUnknown(t *testing.T) {
	clk := fakeClock()
	_, err := OpenDevice("9:", DefaultConfig(), clk)
	assert.Error(t, err)
	_, err = OpenDevice(":9", DefaultConfig(), clk)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.FrameRate = core.Rational{}
	_, err = OpenDevice("0:", cfg, clk)
	assert.Error(t, err)
}

func TestDevicesListsRegistry(t *testing.T) {
	devices := Devices()
	require.Len(t, devices, len(videoDevices)+len(audioDevices))
	assert.Equal(t, core.MediaTypeVideo, devices[0].Type)
	assert.Equal(t, "0", devices[0].ID)
	assert.Equal(t, core.MediaTypeAudio, devices[len(devices)-1].Type)
}

func TestPatternDevicePacing(t *testing.T) {
	clk := fakeClock()
	d, err := NewPatternDevice(smallOptions(), clk)
	require.NoError(t, err)
	defer d.Close()

	// Frame 0 is captured at start; the first audio chunk needs 10ms.
	pkts := readAll(t, d)
	require.Len(t, pkts, 1)
	assert.Equal(t, 0, pkts[0].StreamIndex)

	clk.Step(100 * time.Millisecond)
	pkts = readAll(t, d)
	var video, audio int
	last := time.Duration(-1)
	for _, p := range pkts {
		at := time.Duration(core.RescaleQ(p.PTS, p.TimeBase, core.NewRational(1, int(time.Second))))
		if p.StreamIndex == 1 {
			audio++
			at += 10 * time.Millisecond
		} else {
			video++
		}
		assert.GreaterOrEqual(t, at, last, "packets come out in capture order")
		last = at
	}
	assert.Equal(t, 3, video)
	assert.Equal(t, 10, audio)

	streams := d.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, codec.RawVideo, streams[0].Codec)
	assert.Equal(t, codec.PCMS16LE, streams[1].Codec)
}

func TestPatternDeviceIrregularChunks(t *testing.T) {
	clk := fakeClock()
	opts := smallOptions()
	opts.Video = false
	opts.MinChunk, opts.MaxChunk = 470, 530
	d, err := NewPatternDevice(opts, clk)
	require.NoError(t, err)

	clk.Step(time.Second)
	pkts := readAll(t, d)
	require.NotEmpty(t, pkts)
	var next int64
	sizes := map[int64]bool{}
	for _, p := range pkts {
		assert.Equal(t, next, p.PTS)
		assert.GreaterOrEqual(t, p.Duration, int64(470))
		assert.LessOrEqual(t, p.Duration, int64(530))
		assert.Len(t, p.Data, int(p.Duration)*4)
		sizes[p.Duration] = true
		next += p.Duration
	}
	assert.Greater(t, len(sizes), 1)
	assert.LessOrEqual(t, next, int64(48000))
	assert.Greater(t, next, int64(48000-530))
}

func TestPatternDeviceClosed(t *testing.T) {
	d, err := NewPatternDevice(smallOptions(), fakeClock())
	require.NoError(t, err)
	require.NoError(t, d.Close())
	_, err = d.ReadPacket()
	assert.Error(t, err)
}

func patternOpener(opts PatternOptions, clk *testingclock.FakeClock) Opener {
	return func(endpoint string, cfg Config) (Device, error) {
		opts.PixelFormat = cfg.PixelFormat
		return NewPatternDevice(opts, clk)
	}
}

func TestSourceNormalizesEveryPixelFormat(t *testing.T) {
	formats := []core.PixelFormat{
		core.PixelFormatUYVY422,
		core.PixelFormatYUYV422,
		core.PixelFormatNV12,
		core.PixelFormatI420,
		core.PixelFormatRGBA,
		core.PixelFormatBGRA,
		core.PixelFormatRGB24,
	}
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			clk := fakeClock()
			opts := smallOptions()
			opts.Audio = false
			cfg := DefaultConfig()
			cfg.PixelFormat = format

			s, err := Open(Options{
				Endpoint:    "0:",
				Capture:     cfg,
				VideoFormat: core.PixelFormatI420,
			}, patternOpener(opts, clk), testLogger())
			require.NoError(t, err)
			defer s.Close()

			pkt, ok := s.PollPacket()
			require.True(t, ok)
			frames := s.Decode(pkt)
			require.Len(t, frames, 1)
			out, err := s.NormalizeVideo(frames[0])
			require.NoError(t, err)
			assert.Equal(t, core.PixelFormatI420, out.PixelFormat)
			assert.Equal(t, 64, out.Width)
			assert.Equal(t, 48, out.Height)
			// Leftmost bar is white, rightmost black.
			assert.InDelta(t, 180, int(out.Data[0][0]), 3)
			assert.InDelta(t, 16, int(out.Data[0][63]), 3)
			assert.InDelta(t, 128, int(out.Data[1][0]), 3)

			_, ok = s.PollPacket()
			assert.False(t, ok)
		})
	}
}

func TestSourceDecodesMJPEG(t *testing.T) {
	clk := fakeClock()
	s, err := Open(Options{
		Endpoint:    "3:",
		Capture:     DefaultConfig(),
		VideoFormat: core.PixelFormatI420,
	}, NewOpener(clk), testLogger())
	require.NoError(t, err)
	defer s.Close()

	info, ok := s.VideoInfo()
	require.True(t, ok)
	assert.Equal(t, codec.MJPEG, info.Codec)

	pkt, ok := s.PollPacket()
	require.True(t, ok)
	frames := s.Decode(pkt)
	require.Len(t, frames, 1)
	out, err := s.NormalizeVideo(frames[0])
	require.NoError(t, err)
	assert.Equal(t, 640, out.Width)
	assert.Equal(t, 480, out.Height)
	assert.InDelta(t, 180, int(out.Data[0][0]), 8)
}

func TestSourceResamplesAndQueuesAudio(t *testing.T) {
	clk := fakeClock()
	s, err := Open(Options{
		Endpoint: ":2",
		Capture:  DefaultConfig(),
		Audio: AudioTarget{
			Format: core.SampleFormatS16,
			Rate:   48000,
			Layout: core.DefaultLayout(2),
		},
	}, NewOpener(clk), testLogger())
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.VideoInfo()
	assert.False(t, ok)
	info, ok := s.AudioInfo()
	require.True(t, ok)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, s.AudioLayout().NumChannels())

	clk.Step(time.Second)
	for {
		pkt, ok := s.PollPacket()
		if !ok {
			break
		}
		for _, f := range s.Decode(pkt) {
			require.NoError(t, s.PushAudio(f))
		}
	}
	// Up to one chunk is still being captured.
	assert.InDelta(t, 48000, s.AudioBuffered(), 700)

	before := s.AudioBuffered()
	f, ok := s.PopAudio(1024)
	require.True(t, ok)
	assert.Equal(t, 1024, f.NbSamples)
	assert.Equal(t, before-1024, s.AudioBuffered())

	rest := s.AudioBuffered() % 1024
	for s.AudioBuffered() >= 1024 {
		_, ok := s.PopAudio(1024)
		require.True(t, ok)
	}
	last := s.DrainAudio(1024, true)
	if rest > 0 {
		require.NotNil(t, last)
		assert.Equal(t, 1024, last.NbSamples)
	}
	assert.Nil(t, s.DrainAudio(1024, true))
}

func TestSourceKeepsDeviceLayoutWhenUnset(t *testing.T) {
	s, err := Open(Options{
		Endpoint: ":2",
		Capture:  DefaultConfig(),
		Audio:    AudioTarget{Format: core.SampleFormatS16, Rate: 48000},
	}, NewOpener(fakeClock()), testLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, s.AudioLayout().NumChannels())
}

type stubDevice struct {
	streams []core.StreamInfo
	packets []*core.Packet
	closed  bool
}

func (d *stubDevice) Streams() []core.StreamInfo { return d.streams }

func (d *stubDevice) ReadPacket() (*core.Packet, error) {
	if len(d.packets) == 0 {
		return nil, core.ErrAgain
	}
	p := d.packets[0]
	d.packets = d.packets[1:]
	return p, nil
}

func (d *stubDevice) Close() error {
	d.closed = true
	return nil
}

func TestOpenFailureClosesDevice(t *testing.T) {
	dev := &stubDevice{streams: []core.StreamInfo{{Type: core.MediaTypeVideo, Codec: "h264"}}}
	_, err := Open(Options{Endpoint: "x:"}, func(string, Config) (Device, error) { return dev, nil }, testLogger())
	assert.Error(t, err)
	assert.True(t, dev.closed)
}

func TestDecodeErrorYieldsNoFrames(t *testing.T) {
	dev := &stubDevice{
		streams: []core.StreamInfo{{
			Type:        core.MediaTypeVideo,
			Codec:       codec.RawVideo,
			Width:       16,
			Height:      16,
			PixelFormat: core.PixelFormatI420,
			TimeBase:    core.NewRational(1, 1000),
		}},
		packets: []*core.Packet{
			{StreamIndex: 0, Data: []byte{1, 2, 3}},
			{StreamIndex: 5, Data: []byte{1}},
		},
	}
	s, err := Open(Options{Endpoint: "x:", VideoFormat: core.PixelFormatI420},
		func(string, Config) (Device, error) { return dev, nil }, testLogger())
	require.NoError(t, err)

	pkt, ok := s.PollPacket()
	require.True(t, ok)
	assert.Empty(t, s.Decode(pkt))
	_, ok = s.PollPacket()
	assert.False(t, ok, "packets of unused streams are skipped")

	packets, failures := s.Stats()
	assert.Equal(t, int64(1), packets)
	assert.Equal(t, int64(1), failures)
	require.NoError(t, s.Close())
	assert.True(t, dev.closed)
}
