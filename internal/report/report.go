package report

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/babelcloud/avmerge/internal/recorder/graph"
	"github.com/babelcloud/avmerge/internal/recorder/pipeline"
	"github.com/babelcloud/avmerge/internal/version"
)

// Suffix is appended to the output path to name the report file.
const Suffix = ".report.toml"

// Report is the summary written next to a recording.
type Report struct {
	SessionID string   `toml:"session_id"`
	Version   string   `toml:"version"`
	Output    string   `toml:"output"`
	Inputs    []string `toml:"inputs"`
	Topology  Topology `toml:"topology"`

	StartedAt time.Time `toml:"started_at"`
	StoppedAt time.Time `toml:"stopped_at"`
	Duration  string    `toml:"duration"`
	State     string    `toml:"state"`

	Video Video `toml:"video"`
	Audio Audio `toml:"audio"`

	Errors []string `toml:"errors,omitempty"`
}

// Topology records which composition the session used.
type Topology struct {
	Video string `toml:"video"`
	Audio string `toml:"audio"`
	Crop  string `toml:"crop,omitempty"`
	Pan   string `toml:"pan,omitempty"`
}

// Video holds the video counters.
type Video struct {
	Frames       int64 `toml:"frames"`
	Packets      int64 `toml:"packets"`
	Dropped      int64 `toml:"dropped"`
	Discarded    int64 `toml:"discarded"`
	EncodeErrors int64 `toml:"encode_errors"`
}

// Audio holds the audio counters.
type Audio struct {
	Samples        int64 `toml:"samples"`
	Packets        int64 `toml:"packets"`
	SamplesDropped int64 `toml:"samples_dropped"`
}

// New builds the report of a finished session. err is what Run returned.
func New(cfg pipeline.Config, st pipeline.Stats, err error) *Report {
	r := &Report{
		SessionID: st.SessionID,
		Version:   version.Current().String(),
		Output:    cfg.Output,
		Inputs:    cfg.Inputs,
		Topology: Topology{
			Video: cfg.Video.String(),
			Audio: cfg.Audio.String(),
		},
		StartedAt: st.StartedAt.UTC(),
		StoppedAt: st.StoppedAt.UTC(),
		State:     st.State.String(),
		Video: Video{
			Frames:       st.VideoFrames,
			Packets:      st.Output.VideoPackets,
			Dropped:      st.FramesDropped,
			Discarded:    st.FramesDiscarded,
			EncodeErrors: st.EncodeErrors,
		},
		Audio: Audio{
			Samples:        st.Output.AudioSamples,
			Packets:        st.Output.AudioPackets,
			SamplesDropped: st.AudioSamplesDropped,
		},
	}
	if !st.StoppedAt.IsZero() {
		r.Duration = st.StoppedAt.Sub(st.StartedAt).String()
	}
	if cfg.Video == graph.VideoCrop || cfg.Video == graph.VideoSideBySide {
		r.Topology.Crop = cfg.Crop.String()
	}
	if cfg.Audio != graph.AudioNone {
		r.Topology.Pan = cfg.Pan
	}
	r.Errors = flatten(err)
	return r
}

// flatten lists the errors joined in err, one entry each.
func flatten(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

// PathFor is where the report of a recording at output goes.
func PathFor(output string) string {
	return output + Suffix
}

// Write stores the report at path.
func (r *Report) Write(path string) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}

// Load reads a report written by Write.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}
	var r Report
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report file: %w", err)
	}
	return &r, nil
}
