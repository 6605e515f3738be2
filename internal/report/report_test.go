package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/avmerge/internal/recorder/graph"
	"github.com/babelcloud/avmerge/internal/recorder/pipeline"
	"github.com/babelcloud/avmerge/internal/recorder/sink"
)

func finishedStats() pipeline.Stats {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return pipeline.Stats{
		SessionID:           "7c1a0f52-7d2f-4b43-9a4e-5d1b1cf3c0de",
		State:               pipeline.StateTerminated,
		StartedAt:           start,
		StoppedAt:           start.Add(3 * time.Second),
		VideoFrames:         90,
		AudioFrames:         141,
		AudioSamples:        144000,
		FramesDropped:       2,
		FramesDiscarded:     1,
		AudioSamplesDropped: 0,
		Output: sink.Stats{
			VideoPackets: 90,
			AudioPackets: 141,
			AudioSamples: 144000,
			Bytes:        123456,
		},
	}
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := pipeline.DefaultConfig()
	cfg.Output = filepath.Join(dir, "output.mp4")

	r := New(cfg, finishedStats(), nil)
	path := PathFor(cfg.Output)
	require.NoError(t, r.Write(path))
	assert.Equal(t, filepath.Join(dir, "output.mp4.report.toml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `session_id = ['"]7c1a0f52-7d2f-4b43-9a4e-5d1b1cf3c0de['"]`, string(data))
	assert.Contains(t, string(data), "[video]")
	assert.NotRegexp(t, `(?m)^errors`, string(data))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "TERMINATED", got.State)
	assert.Equal(t, "3s", got.Duration)
	assert.Equal(t, []string{"0:0", "2:2"}, got.Inputs)
	assert.Equal(t, "side-by-side", got.Topology.Video)
	assert.Equal(t, "merge", got.Topology.Audio)
	assert.Equal(t, "500x800+100+0", got.Topology.Crop)
	assert.Equal(t, cfg.Pan, got.Topology.Pan)
	assert.Equal(t, int64(90), got.Video.Frames)
	assert.Equal(t, int64(2), got.Video.Dropped)
	assert.Equal(t, int64(144000), got.Audio.Samples)
	assert.True(t, got.StartedAt.Equal(r.StartedAt))
}

func TestPassthroughOmitsCropAndPan(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.Inputs = []string{"0:"}
	cfg.Video = graph.VideoPassthrough
	cfg.Audio = graph.AudioNone

	r := New(cfg, finishedStats(), nil)
	assert.Empty(t, r.Topology.Crop)
	assert.Empty(t, r.Topology.Pan)
}

func TestErrorsAreFlattened(t *testing.T) {
	err := errors.Join(errors.New("flush video: broken pipe"), errors.Join(errors.New("write trailer: disk full")))
	r := New(pipeline.DefaultConfig(), finishedStats(), err)
	assert.Equal(t, []string{"flush video: broken pipe", "write trailer: disk full"}, r.Errors)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.report.toml"))
	assert.Error(t, err)
}
