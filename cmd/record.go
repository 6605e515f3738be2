package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/avmerge/config"
	"github.com/babelcloud/avmerge/internal/recorder/pipeline"
	"github.com/babelcloud/avmerge/internal/report"
	"github.com/babelcloud/avmerge/internal/util"
)

type RecordOptions struct {
	NoReport bool
}

// recordFlags maps each flag to the setting it overrides.
var recordFlags = []struct {
	name, key string
}{
	{"input", config.KeyInputs},
	{"video-layout", config.KeyVideoLayout},
	{"audio-layout", config.KeyAudioLayout},
	{"crop", config.KeyCrop},
	{"pan", config.KeyPan},
	{"output", config.KeyOutput},
	{"format", config.KeyFormat},
	{"framerate", config.KeyFrameRate},
	{"pixel-format", config.KeyPixelFormat},
	{"capture-cursor", config.KeyCaptureCursor},
	{"video-codec", config.KeyVideoCodec},
	{"quality", config.KeyVideoQuality},
	{"audio-codec", config.KeyAudioCodec},
	{"sample-rate", config.KeySampleRate},
	{"channel-layout", config.KeyChannelLayout},
	{"frame-size", config.KeyFrameSize},
	{"duration", config.KeyDuration},
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [flags]",
		Short: "Record the configured inputs until interrupted",
		Long: `Record one or two capture inputs into a single file. Recording stops on
Ctrl+C (SIGINT), SIGTERM or when --duration elapses; buffered audio and
video are flushed and the file is finalized before exiting.

Flags take precedence over AVMERGE_* environment variables, which take
precedence over the config file.`,
		Example: `  # Two inputs side by side with merged stereo audio
  avmerge record -i 0:0 -i 2:2 -o demo.mp4

  # Crop a single screen, no audio, for ten seconds
  avmerge record -i 1: --video-layout crop --audio-layout none --crop 640x480+0+0 -t 10s

  # Pass a single input through into a WebM file
  avmerge record -i 4:1 --video-layout passthrough --audio-layout single -o clip.webm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceP("input", "i", nil, "Input endpoint <video>:<audio>, repeat for the second input")
	flags.String("video-layout", "", "Video composition: passthrough, crop or side-by-side")
	flags.String("audio-layout", "", "Audio composition: none, single or merge")
	flags.String("crop", "", "Crop rectangle WxH+X+Y")
	flags.String("pan", "", "Pan specification, e.g. 'stereo|FL=c0+c2|FR=c1+c2'")
	flags.StringP("output", "o", "", "Output file (.mp4 or .webm)")
	flags.String("format", "", "Container format overriding the output extension (mp4 or webm)")
	flags.String("framerate", "", "Capture frame rate, e.g. 30 or 30000/1001")
	flags.String("pixel-format", "", "Capture pixel format")
	flags.Bool("capture-cursor", false, "Ask screen inputs to draw the cursor")
	flags.String("video-codec", "", "Video codec (mjpeg)")
	flags.Int("quality", 0, "Video quality 1-100")
	flags.String("audio-codec", "", "Audio codec (pcm_s16le)")
	flags.Int("sample-rate", 0, "Output sample rate in Hz")
	flags.String("channel-layout", "", "Output channel layout, e.g. stereo")
	flags.Int("frame-size", 0, "Audio encoder frame size in samples")
	flags.DurationP("duration", "t", 0, "Stop after this long (0 records until interrupted)")
	flags.BoolVar(&opts.NoReport, "no-report", false, "Do not write the <output>.report.toml session report")

	return cmd
}

func bindRecordFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, f := range recordFlags {
		if err := v.BindPFlag(f.key, flags.Lookup(f.name)); err != nil {
			return errors.Wrapf(err, "failed to bind flag --%s", f.name)
		}
	}
	return nil
}

// loadRecordConfig resolves the configuration with flags taking precedence.
func loadRecordConfig(cmd *cobra.Command) (pipeline.Config, error) {
	v, err := config.New(rootOpts.ConfigFile)
	if err != nil {
		return pipeline.Config{}, err
	}
	if err := bindRecordFlags(v, cmd.Flags()); err != nil {
		return pipeline.Config{}, err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return pipeline.Config{}, errors.Wrap(err, "invalid setting")
	}
	return cfg, nil
}

func runRecord(cmd *cobra.Command, opts *RecordOptions) error {
	cfg, err := loadRecordConfig(cmd)
	if err != nil {
		return err
	}
	logger := util.GetLogger()

	d, err := pipeline.New(cfg, pipeline.WithLogger(logger))
	if err != nil {
		return errors.Wrap(err, "failed to start recording")
	}
	defer d.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recording %s to %s\n", color.CyanString("%v", cfg.Inputs), color.CyanString("%s", cfg.Output))
	interactive := out == os.Stdout && isTerminal(os.Stdout) && !rootOpts.Verbose
	p := newProgress(out, interactive, "Recording")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g.Go(func() error {
		defer cancel()
		return d.Run(ctx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, stopping", "signal", sig)
			d.Stop()
		case <-ctx.Done():
		}
		return nil
	})
	runErr := g.Wait()

	st := d.Stats()
	summary := fmt.Sprintf("%s: %d video frames, %d audio samples in %s",
		cfg.Output, st.VideoFrames, st.Output.AudioSamples, st.StoppedAt.Sub(st.StartedAt).Round(time.Millisecond))
	if runErr != nil {
		p.Fail(summary)
	} else {
		p.Success(summary)
	}
	if st.FramesDropped > 0 || st.AudioSamplesDropped > 0 {
		color.New(color.Faint).Fprintf(out, "  dropped %d frames and %d audio samples\n", st.FramesDropped, st.AudioSamplesDropped)
	}

	if !opts.NoReport {
		path := report.PathFor(cfg.Output)
		if err := report.New(cfg, st, runErr).Write(path); err != nil {
			logger.Warn("Failed to write session report", "path", path, "error", err)
		} else {
			color.New(color.Faint).Fprintf(out, "  report: %s\n", path)
		}
	}

	if runErr != nil {
		return errors.Wrap(runErr, "recording finished with errors")
	}
	return nil
}
