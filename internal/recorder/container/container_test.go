package container

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func videoStream() Stream {
	return Stream{
		Type:      core.MediaTypeVideo,
		Codec:     codec.MJPEG,
		Width:     64,
		Height:    32,
		FrameRate: core.NewRational(30, 1),
		TimeBase:  core.NewRational(1, 16000),
	}
}

func audioStream() Stream {
	return Stream{
		Type:       core.MediaTypeAudio,
		Codec:      codec.PCMS16LE,
		SampleRate: 48000,
		Channels:   2,
		BitDepth:   16,
		TimeBase:   core.NewRational(1, 48000),
	}
}

func TestInterleaverOrdersAcrossTimeBases(t *testing.T) {
	video := core.NewRational(1, 16000)
	audio := core.NewRational(1, 48000)
	il := NewInterleaver([]core.Rational{video, audio}, 0)

	// video at 0, 533, 1067 (0, 33.3, 66.7 ms); audio at 0, 1024, 2048 (0, 21.3, 42.7 ms)
	for _, ts := range []int64{0, 533, 1067} {
		il.Push(&core.Packet{StreamIndex: 0, PTS: ts, DTS: ts})
	}
	_, ok := il.Pop(false)
	require.False(t, ok, "must wait for audio")

	for _, ts := range []int64{0, 1024, 2048} {
		il.Push(&core.Packet{StreamIndex: 1, PTS: ts, DTS: ts})
	}

	var order []int
	for {
		p, ok := il.Pop(false)
		if !ok {
			break
		}
		order = append(order, p.StreamIndex)
	}
	// Releases stop once the audio queue runs dry.
	assert.Equal(t, []int{0, 1, 1, 0, 1}, order)
	assert.Equal(t, 1, il.Len())

	for {
		p, ok := il.Pop(true)
		if !ok {
			break
		}
		order = append(order, p.StreamIndex)
	}
	assert.Equal(t, []int{0, 1, 1, 0, 1, 0}, order)
}

func TestInterleaverReleasesStalledStreamAfterDelta(t *testing.T) {
	ms := core.NewRational(1, 1000)
	il := NewInterleaver([]core.Rational{ms, ms}, 1_000_000)
	il.Push(&core.Packet{StreamIndex: 0, PTS: 0, DTS: 0})
	_, ok := il.Pop(false)
	assert.False(t, ok)

	il.Push(&core.Packet{StreamIndex: 0, PTS: 1500, DTS: 1500})
	p, ok := il.Pop(false)
	require.True(t, ok)
	assert.Equal(t, int64(0), p.DTS)
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want Format
		err  bool
	}{
		{"output.mp4", FormatMP4, false},
		{"/tmp/a.M4V", FormatMP4, false},
		{"clip.webm", FormatWebM, false},
		{"clip.mkv", FormatWebM, false},
		{"clip.avi", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFMP4MuxerWritesInitAndParts(t *testing.T) {
	var buf bytes.Buffer
	m, err := New(FormatMP4, &buf, testLogger())
	require.NoError(t, err)

	vi, err := m.AddStream(videoStream())
	require.NoError(t, err)
	ai, err := m.AddStream(audioStream())
	require.NoError(t, err)
	assert.Equal(t, core.NewRational(1, 16000), m.TimeBase(vi))
	assert.Equal(t, core.NewRational(1, 48000), m.TimeBase(ai))

	assert.Error(t, m.WritePacket(&core.Packet{StreamIndex: vi, Data: []byte{1}}))

	require.NoError(t, m.WriteHeader())
	initSize := buf.Len()
	assert.Greater(t, initSize, 0)
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("ftyp")))
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("moov")))

	_, err = m.AddStream(videoStream())
	assert.Error(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.WritePacket(&core.Packet{
			StreamIndex: vi, PTS: int64(i * 533), DTS: int64(i * 533), Duration: 533, Key: true,
			Data: bytes.Repeat([]byte{0xff}, 100),
		}))
		require.NoError(t, m.WritePacket(&core.Packet{
			StreamIndex: ai, PTS: int64(i * 1024), DTS: int64(i * 1024), Duration: 1024, Key: true,
			Data: make([]byte, 4096),
		}))
	}
	require.NoError(t, m.WriteTrailer())
	assert.Greater(t, buf.Len(), initSize+6*100)
	assert.Equal(t, 6, bytes.Count(buf.Bytes(), []byte("moof")))

	size := buf.Len()
	require.NoError(t, m.WriteTrailer())
	assert.Equal(t, size, buf.Len())
	assert.Error(t, m.WritePacket(&core.Packet{StreamIndex: vi, Data: []byte{1}}))
}

func TestFMP4MuxerNormalizesTimeBase(t *testing.T) {
	m := NewFMP4Muxer(&bytes.Buffer{}, testLogger())
	s := videoStream()
	s.TimeBase = core.NewRational(2, 1001)
	idx, err := m.AddStream(s)
	require.NoError(t, err)
	assert.Equal(t, core.NewRational(1, 501), m.TimeBase(idx))
}

func TestMuxerRejectsUnknownCodec(t *testing.T) {
	s := videoStream()
	s.Codec = "h264"
	_, err := NewFMP4Muxer(&bytes.Buffer{}, testLogger()).AddStream(s)
	assert.Error(t, err)
	_, err = NewWebMMuxer(&bytes.Buffer{}, testLogger()).AddStream(s)
	assert.Error(t, err)
}

func TestWebMMuxer(t *testing.T) {
	var buf bytes.Buffer
	m, err := New(FormatWebM, &buf, testLogger())
	require.NoError(t, err)

	vi, err := m.AddStream(videoStream())
	require.NoError(t, err)
	ai, err := m.AddStream(audioStream())
	require.NoError(t, err)
	assert.Equal(t, core.NewRational(1, 1000), m.TimeBase(vi))
	assert.Equal(t, core.NewRational(1, 1000), m.TimeBase(ai))

	require.NoError(t, m.WriteHeader())
	for i := 0; i < 5; i++ {
		require.NoError(t, m.WritePacket(&core.Packet{
			StreamIndex: vi, PTS: int64(i * 33), DTS: int64(i * 33), Key: true, Data: []byte{0xff, 0xd8, 0xff, 0xd9},
		}))
		require.NoError(t, m.WritePacket(&core.Packet{
			StreamIndex: ai, PTS: int64(i * 21), DTS: int64(i * 21), Key: true, Data: make([]byte, 64),
		}))
	}
	require.NoError(t, m.WriteTrailer())
	require.Greater(t, buf.Len(), 4)
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf, 0xa3}, buf.Bytes()[:4])
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("V_MJPEG")))
	assert.True(t, bytes.Contains(buf.Bytes(), []byte("A_PCM/INT/LIT")))
}
