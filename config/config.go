// Package config resolves recording settings from defaults, a config.yaml
// file, AVMERGE_* environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/babelcloud/avmerge/internal/recorder/container"
	"github.com/babelcloud/avmerge/internal/recorder/core"
	"github.com/babelcloud/avmerge/internal/recorder/graph"
	"github.com/babelcloud/avmerge/internal/recorder/pipeline"
)

// Setting keys. Environment variables use the upper-cased key with dots
// replaced by underscores, prefixed with AVMERGE_.
const (
	KeyInputs        = "inputs"
	KeyFrameRate     = "capture.framerate"
	KeyPixelFormat   = "capture.pixel_format"
	KeyCaptureCursor = "capture.capture_cursor"

	KeyVideoLayout = "video.layout"
	KeyAudioLayout = "audio.layout"
	KeyCrop        = "video.crop"
	KeyPan         = "audio.pan"

	KeyOutput    = "output.path"
	KeyOutputDir = "output.dir"
	KeyFormat    = "output.format"

	KeyVideoCodec     = "video.codec"
	KeyVideoEncoderTB = "video.encoder_time_base"
	KeyVideoStreamTB  = "video.stream_time_base"
	KeyVideoQuality   = "video.quality"
	KeyVideoDelay     = "video.delay"

	KeyAudioCodec     = "audio.codec"
	KeySampleRate     = "audio.sample_rate"
	KeyChannelLayout  = "audio.channel_layout"
	KeyAudioEncoderTB = "audio.encoder_time_base"
	KeyAudioStreamTB  = "audio.stream_time_base"
	KeyFrameSize      = "audio.frame_size"
	KeyFixedFrameSize = "audio.fixed_frame_size"
	KeyBufferLimit    = "audio.buffer_limit"

	KeyPacketsPerPoll = "loop.packets_per_poll"
	KeyIdleInterval   = "loop.idle_interval"
	KeyDuration       = "duration"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "AVMERGE"

// SearchPaths are the directories searched for config.yaml, in order.
func SearchPaths() []string {
	return []string{
		".",
		filepath.Join(xdg.ConfigHome, "avmerge"),
		"/etc/avmerge",
	}
}

func setDefaults(v *viper.Viper) {
	d := pipeline.DefaultConfig()

	v.SetDefault(KeyInputs, d.Inputs)
	v.SetDefault(KeyFrameRate, d.Capture.FrameRate.String())
	v.SetDefault(KeyPixelFormat, d.Capture.PixelFormat.String())
	v.SetDefault(KeyCaptureCursor, d.Capture.CaptureCursor)

	v.SetDefault(KeyVideoLayout, d.Video.String())
	v.SetDefault(KeyAudioLayout, d.Audio.String())
	v.SetDefault(KeyCrop, d.Crop.String())
	// Merged audio falls back to the default pan in Decode; other layouts
	// leave the channels alone unless a pan is given.
	v.SetDefault(KeyPan, "")

	v.SetDefault(KeyOutput, "")
	v.SetDefault(KeyOutputDir, xdg.UserDirs.Videos)
	v.SetDefault(KeyFormat, "")

	v.SetDefault(KeyVideoCodec, d.VideoCodec)
	v.SetDefault(KeyVideoEncoderTB, d.VideoEncoderTimeBase.String())
	v.SetDefault(KeyVideoStreamTB, d.VideoStreamTimeBase.String())
	v.SetDefault(KeyVideoQuality, d.VideoQuality)
	v.SetDefault(KeyVideoDelay, d.VideoDelay)

	v.SetDefault(KeyAudioCodec, d.AudioCodec)
	v.SetDefault(KeySampleRate, d.SampleRate)
	v.SetDefault(KeyChannelLayout, d.ChannelLayout.String())
	v.SetDefault(KeyAudioEncoderTB, d.AudioEncoderTimeBase.String())
	v.SetDefault(KeyAudioStreamTB, d.AudioStreamTimeBase.String())
	v.SetDefault(KeyFrameSize, d.FrameSize)
	v.SetDefault(KeyFixedFrameSize, d.RequireFixedFrameSize)
	v.SetDefault(KeyBufferLimit, d.AudioBufferLimit)

	v.SetDefault(KeyPacketsPerPoll, d.PacketsPerPoll)
	v.SetDefault(KeyIdleInterval, d.IdleInterval)
	v.SetDefault(KeyDuration, d.Duration)
}

// New returns the settings with defaults, environment bindings and the
// config file applied. An explicit file must exist; otherwise config.yaml
// is searched in SearchPaths and a missing one is not an error.
func New(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", file)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range SearchPaths() {
		v.AddConfigPath(os.ExpandEnv(path))
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}
	return v, nil
}

// Decode converts settings into a pipeline configuration. It does not
// validate cross-field consistency; pipeline.New does.
func Decode(v *viper.Viper) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	var err error

	cfg.Inputs = v.GetStringSlice(KeyInputs)
	if cfg.Capture.FrameRate, err = core.ParseRational(v.GetString(KeyFrameRate)); err != nil {
		return cfg, errors.Wrap(err, KeyFrameRate)
	}
	if cfg.Capture.PixelFormat, err = core.ParsePixelFormat(v.GetString(KeyPixelFormat)); err != nil {
		return cfg, errors.Wrap(err, KeyPixelFormat)
	}
	cfg.Capture.CaptureCursor = v.GetBool(KeyCaptureCursor)

	if cfg.Video, err = graph.ParseVideoLayout(v.GetString(KeyVideoLayout)); err != nil {
		return cfg, errors.Wrap(err, KeyVideoLayout)
	}
	if cfg.Audio, err = graph.ParseAudioLayout(v.GetString(KeyAudioLayout)); err != nil {
		return cfg, errors.Wrap(err, KeyAudioLayout)
	}
	if cfg.Crop, err = graph.ParseRect(v.GetString(KeyCrop)); err != nil {
		return cfg, errors.Wrap(err, KeyCrop)
	}
	cfg.Pan = v.GetString(KeyPan)
	if cfg.Pan == "" && cfg.Audio == graph.AudioMerge {
		cfg.Pan = pipeline.DefaultConfig().Pan
	}

	cfg.Output = v.GetString(KeyOutput)
	if cfg.Output == "" {
		cfg.Output = filepath.Join(v.GetString(KeyOutputDir), "output.mp4")
	}
	if f := v.GetString(KeyFormat); f != "" {
		if cfg.Format, err = container.ParseFormat(f); err != nil {
			return cfg, errors.Wrap(err, KeyFormat)
		}
	}

	cfg.VideoCodec = v.GetString(KeyVideoCodec)
	if cfg.VideoEncoderTimeBase, err = core.ParseRational(v.GetString(KeyVideoEncoderTB)); err != nil {
		return cfg, errors.Wrap(err, KeyVideoEncoderTB)
	}
	if cfg.VideoStreamTimeBase, err = core.ParseRational(v.GetString(KeyVideoStreamTB)); err != nil {
		return cfg, errors.Wrap(err, KeyVideoStreamTB)
	}
	cfg.VideoQuality = v.GetInt(KeyVideoQuality)
	cfg.VideoDelay = v.GetInt(KeyVideoDelay)

	cfg.AudioCodec = v.GetString(KeyAudioCodec)
	cfg.SampleRate = v.GetInt(KeySampleRate)
	if cfg.ChannelLayout, err = core.LayoutByName(v.GetString(KeyChannelLayout)); err != nil {
		return cfg, errors.Wrap(err, KeyChannelLayout)
	}
	if cfg.AudioEncoderTimeBase, err = core.ParseRational(v.GetString(KeyAudioEncoderTB)); err != nil {
		return cfg, errors.Wrap(err, KeyAudioEncoderTB)
	}
	if cfg.AudioStreamTimeBase, err = core.ParseRational(v.GetString(KeyAudioStreamTB)); err != nil {
		return cfg, errors.Wrap(err, KeyAudioStreamTB)
	}
	cfg.FrameSize = v.GetInt(KeyFrameSize)
	cfg.RequireFixedFrameSize = v.GetBool(KeyFixedFrameSize)
	cfg.AudioBufferLimit = v.GetDuration(KeyBufferLimit)

	cfg.PacketsPerPoll = v.GetInt(KeyPacketsPerPoll)
	cfg.IdleInterval = v.GetDuration(KeyIdleInterval)
	cfg.Duration = v.GetDuration(KeyDuration)
	return cfg, nil
}

// Load resolves the pipeline configuration from file (or the searched
// config.yaml) and the environment.
func Load(file string) (pipeline.Config, error) {
	v, err := New(file)
	if err != nil {
		return pipeline.Config{}, err
	}
	return Decode(v)
}
