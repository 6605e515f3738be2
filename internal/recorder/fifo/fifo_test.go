package fifo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// ramp returns an interleaved s16 frame whose sample values count up from start.
func ramp(layout core.ChannelLayout, start, n int) *core.Frame {
	f := core.NewAudioFrame(core.SampleFormatS16, layout, 48000, n)
	ch := layout.NumChannels()
	for i := 0; i < n; i++ {
		for c := 0; c < ch; c++ {
			binary.LittleEndian.PutUint16(f.Data[0][(i*ch+c)*2:], uint16(start+i))
		}
	}
	return f
}

func sampleAt(f *core.Frame, i int) int {
	ch := f.Layout.NumChannels()
	return int(binary.LittleEndian.Uint16(f.Data[0][i*ch*2:]))
}

func TestPopFixedReleasesWholeFramesInOrder(t *testing.T) {
	stereo := core.DefaultLayout(2)
	q, err := New(core.SampleFormatS16, stereo, 48000, 0)
	require.NoError(t, err)

	chunks := []int{470, 530, 512, 501, 499}
	pushed := 0
	var popped []*core.Frame
	for _, n := range chunks {
		require.NoError(t, q.Push(ramp(stereo, pushed, n)))
		pushed += n
		for {
			f, ok := q.PopFixed(1024)
			if !ok {
				break
			}
			popped = append(popped, f)
		}
	}

	require.Len(t, popped, pushed/1024)
	for i, f := range popped {
		assert.Equal(t, 1024, f.NbSamples)
		assert.Equal(t, i*1024, sampleAt(f, 0))
		assert.Equal(t, i*1024+1023, sampleAt(f, 1023))
	}
	assert.Equal(t, pushed%1024, q.Size())
}

func TestPopFixedLeavesShortQueueAlone(t *testing.T) {
	mono := core.DefaultLayout(1)
	q, err := New(core.SampleFormatS16, mono, 48000, 0)
	require.NoError(t, err)
	require.NoError(t, q.Push(ramp(mono, 0, 1000)))

	_, ok := q.PopFixed(1024)
	assert.False(t, ok)
	assert.Equal(t, 1000, q.Size())
}

func TestDrain(t *testing.T) {
	mono := core.DefaultLayout(1)
	tests := []struct {
		name    string
		pad     bool
		wantLen int
	}{
		{"padded to frame size", true, 1024},
		{"short final frame", false, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := New(core.SampleFormatS16, mono, 48000, 0)
			require.NoError(t, err)
			require.NoError(t, q.Push(ramp(mono, 1, 300)))

			f := q.Drain(1024, tt.pad)
			require.NotNil(t, f)
			assert.Equal(t, tt.wantLen, f.NbSamples)
			assert.Equal(t, 1, sampleAt(f, 0))
			assert.Equal(t, 300, sampleAt(f, 299))
			if tt.pad {
				assert.Equal(t, 0, sampleAt(f, 300))
				assert.Equal(t, 0, sampleAt(f, 1023))
			}
			assert.Equal(t, 0, q.Size())
			assert.Nil(t, q.Drain(1024, tt.pad))
		})
	}
}

func TestLimitDropsOldest(t *testing.T) {
	mono := core.DefaultLayout(1)
	q, err := New(core.SampleFormatS16, mono, 48000, 1000)
	require.NoError(t, err)
	require.NoError(t, q.Push(ramp(mono, 0, 800)))
	require.NoError(t, q.Push(ramp(mono, 800, 800)))

	assert.Equal(t, 1000, q.Size())
	assert.Equal(t, int64(600), q.Dropped())
	f, ok := q.PopFixed(10)
	require.True(t, ok)
	assert.Equal(t, 600, sampleAt(f, 0))
}

func TestPushRejectsMismatchedFormat(t *testing.T) {
	q, err := New(core.SampleFormatS16, core.DefaultLayout(2), 48000, 0)
	require.NoError(t, err)
	assert.Error(t, q.Push(ramp(core.DefaultLayout(1), 0, 10)))
	assert.Error(t, q.Push(core.NewAudioFrame(core.SampleFormatF32, core.DefaultLayout(2), 48000, 10)))
}

func TestPlanarQueue(t *testing.T) {
	stereo := core.DefaultLayout(2)
	q, err := New(core.SampleFormatF32P, stereo, 48000, 0)
	require.NoError(t, err)
	require.NoError(t, q.Push(core.NewAudioFrame(core.SampleFormatF32P, stereo, 48000, 700)))
	require.NoError(t, q.Push(core.NewAudioFrame(core.SampleFormatF32P, stereo, 48000, 700)))
	f, ok := q.PopFixed(1024)
	require.True(t, ok)
	assert.Len(t, f.Data, 2)
	assert.Len(t, f.Data[1], 1024*4)
	assert.Equal(t, 376, q.Size())
}
