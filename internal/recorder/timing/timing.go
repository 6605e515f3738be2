// Package timing assigns presentation timestamps to composite frames and
// converts encoded packets into the container's time base.
//
// Timestamps are derived from counters, never from capture time: video
// uses a frame counter at the nominal frame rate and audio a running sample
// counter. Converting counter to encoder time base and encoder to container
// time base are two separate steps with their own rounding.
package timing

import (
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

const stampRounding = core.RoundNearInf | core.RoundPassMinMax

// VideoClock stamps video frames from a frame counter.
type VideoClock struct {
	tick    core.Rational // 1/fps
	encoder core.Rational
	count   int64
}

// NewVideoClock stamps frames produced at fps into the encoder time base.
func NewVideoClock(fps, encoder core.Rational) *VideoClock {
	return &VideoClock{tick: fps.Invert(), encoder: encoder}
}

// Stamp sets f.PTS from the counter, then advances the counter.
func (c *VideoClock) Stamp(f *core.Frame) int64 {
	f.PTS = core.RescaleQRnd(c.count, c.tick, c.encoder, stampRounding)
	f.TimeBase = c.encoder
	c.count++
	return f.PTS
}

// Count is the number of frames stamped so far.
func (c *VideoClock) Count() int64 { return c.count }

// AudioClock stamps audio frames from a running sample counter.
type AudioClock struct {
	sample  core.Rational // 1/rate
	encoder core.Rational
	samples int64
}

// NewAudioClock stamps frames sampled at rate into the encoder time base.
func NewAudioClock(rate int, encoder core.Rational) *AudioClock {
	return &AudioClock{sample: core.NewRational(1, rate), encoder: encoder}
}

// Stamp sets f.PTS from the sample counter, then adds f's samples to it.
func (c *AudioClock) Stamp(f *core.Frame) int64 {
	f.PTS = core.RescaleQRnd(c.samples, c.sample, c.encoder, stampRounding)
	f.TimeBase = c.encoder
	c.samples += int64(f.NbSamples)
	return f.PTS
}

// Samples is the number of samples stamped so far.
func (c *AudioClock) Samples() int64 { return c.samples }

// RescalePacket converts pts, dts and duration from src to dst. Unset
// timestamps stay unset.
func RescalePacket(p *core.Packet, src, dst core.Rational) {
	if p.PTS != core.NoPTS {
		p.PTS = core.RescaleQ(p.PTS, src, dst)
	}
	if p.DTS != core.NoPTS {
		p.DTS = core.RescaleQ(p.DTS, src, dst)
	}
	if p.Duration > 0 {
		p.Duration = core.RescaleQ(p.Duration, src, dst)
	}
	p.TimeBase = dst
}
