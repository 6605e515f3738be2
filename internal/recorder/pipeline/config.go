package pipeline

import (
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/avmerge/internal/recorder/capture"
	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/container"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/recorder/graph"
)

// Config is everything a recording session is set up from.
type Config struct {
	// Inputs are capture endpoints, "<video>:<audio>".
	Inputs  []string
	Capture capture.Config

	Video graph.VideoLayout
	Audio graph.AudioLayout
	Crop  graph.Rect
	Pan   string

	Output string
	// Format overrides the container implied by the Output extension.
	Format container.Format

	VideoCodec           string
	VideoEncoderTimeBase core.Rational
	VideoStreamTimeBase  core.Rational
	VideoQuality         int
	VideoDelay           int

	AudioCodec            string
	SampleRate            int
	ChannelLayout         core.ChannelLayout
	AudioEncoderTimeBase  core.Rational
	AudioStreamTimeBase   core.Rational
	FrameSize             int
	RequireFixedFrameSize bool
	// AudioBufferLimit caps how much audio a source may queue while the
	// other one lags.
	AudioBufferLimit time.Duration

	// PacketsPerPoll bounds the packets read from one source per tick.
	PacketsPerPoll int
	// IdleInterval is how long a tick without progress sleeps.
	IdleInterval time.Duration
	// Duration stops the recording after this long; 0 records until stopped.
	Duration time.Duration
}

// DefaultConfig records two inputs side by side with merged audio.
func DefaultConfig() Config {
	stereo, _ := core.LayoutByName("stereo")
	return Config{
		Inputs:                []string{"0:0", "2:2"},
		Capture:               capture.DefaultConfig(),
		Video:                 graph.VideoSideBySide,
		Audio:                 graph.AudioMerge,
		Crop:                  graph.Rect{X: 100, Y: 0, Width: 500, Height: 800},
		Pan:                   "stereo|FL=c0+c2|FR=c1+c2",
		Output:                "output.mp4",
		VideoCodec:            codec.MJPEG,
		VideoEncoderTimeBase:  core.NewRational(1, 1000),
		VideoStreamTimeBase:   core.NewRational(1, 16000),
		VideoQuality:          75,
		AudioCodec:            codec.PCMS16LE,
		SampleRate:            48000,
		ChannelLayout:         stereo,
		AudioEncoderTimeBase:  core.NewRational(1, 48000),
		AudioStreamTimeBase:   core.NewRational(1, 48000),
		FrameSize:             1024,
		AudioBufferLimit:      2 * time.Second,
		PacketsPerPoll:        64,
		IdleInterval:          5 * time.Millisecond,
	}
}

var videoInputs = map[graph.VideoLayout]int{
	graph.VideoNone:        0,
	graph.VideoPassthrough: 1,
	graph.VideoCrop:        1,
	graph.VideoSideBySide:  2,
}

var audioInputs = map[graph.AudioLayout]int{
	graph.AudioNone:   0,
	graph.AudioSingle: 1,
	graph.AudioMerge:  2,
}

// Validate checks the configuration is self-consistent.
func (c Config) Validate() error {
	if len(c.Inputs) == 0 || len(c.Inputs) > 2 {
		return errors.Errorf("need one or two inputs, have %d", len(c.Inputs))
	}
	if c.Video == graph.VideoNone {
		return errors.New("a video layout is required")
	}
	if n := videoInputs[c.Video]; n > len(c.Inputs) {
		return errors.Errorf("video layout %s needs %d inputs, have %d", c.Video, n, len(c.Inputs))
	}
	if n := audioInputs[c.Audio]; n > len(c.Inputs) {
		return errors.Errorf("audio layout %s needs %d inputs, have %d", c.Audio, n, len(c.Inputs))
	}
	if c.Video == graph.VideoCrop || c.Video == graph.VideoSideBySide {
		if c.Crop.Width <= 0 || c.Crop.Height <= 0 || c.Crop.X < 0 || c.Crop.Y < 0 {
			return errors.Errorf("invalid crop %s", c.Crop)
		}
	}
	if c.Audio == graph.AudioMerge && c.Pan == "" {
		return errors.New("merged audio needs a pan specification")
	}
	if !c.Capture.FrameRate.Valid() {
		return errors.Errorf("invalid frame rate %s", c.Capture.FrameRate)
	}
	if !c.VideoEncoderTimeBase.Valid() {
		return errors.Errorf("invalid video encoder time base %s", c.VideoEncoderTimeBase)
	}
	if c.Output == "" {
		return errors.New("output path is empty")
	}
	if c.Audio != graph.AudioNone {
		if c.SampleRate <= 0 || c.ChannelLayout.NumChannels() == 0 {
			return errors.Errorf("invalid audio output %d Hz %s", c.SampleRate, c.ChannelLayout)
		}
		if c.FrameSize <= 0 {
			return errors.Errorf("invalid audio frame size %d", c.FrameSize)
		}
	}
	if c.PacketsPerPoll <= 0 {
		return errors.Errorf("invalid packets per poll %d", c.PacketsPerPoll)
	}
	return nil
}
