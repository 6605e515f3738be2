package timing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

func TestVideoClockMonotonic(t *testing.T) {
	clk := NewVideoClock(core.NewRational(30, 1), core.NewRational(1, 1000))
	var prev int64 = -1
	for i := 0; i < 900; i++ {
		f := core.NewVideoFrame(core.PixelFormatI420, 2, 2)
		pts := clk.Stamp(f)
		require.Greater(t, pts, prev)
		if i > 0 {
			d := pts - prev
			assert.True(t, d == 33 || d == 34, "frame %d delta %d", i, d)
		}
		assert.Equal(t, core.NewRational(1, 1000), f.TimeBase)
		prev = pts
	}
	assert.Equal(t, int64(900), clk.Count())
	assert.Equal(t, int64(29967), prev)
}

func TestAudioClockFollowsSamples(t *testing.T) {
	clk := NewAudioClock(48000, core.NewRational(1, 48000))
	stereo := core.DefaultLayout(2)
	var prev int64 = -1
	for i := 0; i < 100; i++ {
		f := core.NewAudioFrame(core.SampleFormatS16, stereo, 48000, 1024)
		pts := clk.Stamp(f)
		assert.Equal(t, int64(i*1024), pts)
		if prev >= 0 {
			assert.Equal(t, int64(1024), pts-prev)
		}
		prev = pts
	}
	short := core.NewAudioFrame(core.SampleFormatS16, stereo, 48000, 300)
	assert.Equal(t, int64(102400), clk.Stamp(short))
	assert.Equal(t, int64(102700), clk.Samples())
}

func TestAudioClockRescalesToEncoderBase(t *testing.T) {
	clk := NewAudioClock(48000, core.NewRational(1, 1000))
	f := core.NewAudioFrame(core.SampleFormatS16, core.DefaultLayout(1), 48000, 1024)
	assert.Equal(t, int64(0), clk.Stamp(f))
	assert.Equal(t, int64(21), clk.Stamp(f))
	assert.Equal(t, int64(43), clk.Stamp(f))
}

func TestRescalePacketIsSeparateStep(t *testing.T) {
	enc := core.NewRational(1, 1000)
	mux := core.NewRational(1, 16000)
	clk := NewVideoClock(core.NewRational(30, 1), enc)

	var prev int64 = -1
	for i := 0; i < 60; i++ {
		f := core.NewVideoFrame(core.PixelFormatI420, 2, 2)
		clk.Stamp(f)
		p := &core.Packet{PTS: f.PTS, DTS: f.PTS, Duration: 33, TimeBase: enc}
		RescalePacket(p, enc, mux)
		assert.Equal(t, f.PTS*16, p.PTS)
		assert.Equal(t, p.PTS, p.DTS)
		assert.Equal(t, int64(528), p.Duration)
		assert.Equal(t, mux, p.TimeBase)
		require.Greater(t, p.PTS, prev)
		prev = p.PTS
	}
}

func TestRescalePacketKeepsUnsetTimestamps(t *testing.T) {
	p := &core.Packet{PTS: core.NoPTS, DTS: 10}
	RescalePacket(p, core.NewRational(1, 1000), core.NewRational(1, 48000))
	assert.Equal(t, core.NoPTS, p.PTS)
	assert.Equal(t, int64(480), p.DTS)
}
