package container

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// FMP4Muxer writes a fragmented MP4 file: an init segment followed by one
// moof/mdat part per packet. Fragmented files need no index, so the trailer
// only flushes pending packets.
type FMP4Muxer struct {
	base
	writer         io.Writer
	tracks         []*fmp4Track
	sequenceNumber uint32
}

type fmp4Track struct {
	id        int
	codec     mp4.Codec
	timeScale uint32
	lastDTS   int64
	lastDur   uint32
	sampleNum uint32
}

// NewFMP4Muxer creates a muxer writing to w.
func NewFMP4Muxer(w io.Writer, logger *slog.Logger) *FMP4Muxer {
	return &FMP4Muxer{
		base:           base{logger: logger.With("component", "fmp4_muxer")},
		writer:         w,
		sequenceNumber: 1,
	}
}

func (m *FMP4Muxer) AddStream(s Stream) (int, error) {
	var c mp4.Codec
	switch s.Codec {
	case codec.MJPEG:
		c = &mp4.CodecMJPEG{Width: s.Width, Height: s.Height}
	case codec.PCMS16LE:
		c = &mp4.CodecLPCM{
			LittleEndian: true,
			BitDepth:     16,
			SampleRate:   s.SampleRate,
			ChannelCount: s.Channels,
		}
	default:
		return 0, fmt.Errorf("fmp4: unsupported codec %q", s.Codec)
	}

	// Track timescales are integer ticks per second.
	if s.TimeBase.Valid() && s.TimeBase.Num != 1 {
		s.TimeBase = core.NewRational(1, (s.TimeBase.Den+s.TimeBase.Num/2)/s.TimeBase.Num)
	}
	idx, err := m.addStream(s)
	if err != nil {
		return 0, fmt.Errorf("fmp4: %w", err)
	}
	m.tracks = append(m.tracks, &fmp4Track{
		id:        idx + 1,
		codec:     c,
		timeScale: uint32(s.TimeBase.Den),
	})
	return idx, nil
}

func (m *FMP4Muxer) WriteHeader() error {
	if m.header {
		return nil
	}
	if len(m.tracks) == 0 {
		return fmt.Errorf("fmp4: no streams")
	}
	init := &fmp4.Init{}
	for _, t := range m.tracks {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timeScale,
			Codec:     t.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	initBytes := buf.Bytes()
	if _, err := m.writer.Write(initBytes); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}
	m.startInterleaving()
	m.logger.Info("fMP4 init segment written", "tracks", len(m.tracks), "size", len(initBytes))
	return nil
}

func (m *FMP4Muxer) WritePacket(pkt *core.Packet) error {
	return m.queue(pkt, m.writePart)
}

func (m *FMP4Muxer) WriteTrailer() error {
	first, err := m.finish(m.writePart)
	if err != nil || !first {
		return err
	}
	for i, t := range m.tracks {
		m.logger.Info("fMP4 track finished", "track", t.id, "samples", t.sampleNum, "written", m.written[i])
	}
	return nil
}

func (m *FMP4Muxer) writePart(pkt *core.Packet) error {
	t := m.tracks[pkt.StreamIndex]
	if len(pkt.Data) == 0 {
		m.logger.Debug("Skipping empty packet", "track", t.id, "pts", pkt.PTS)
		return nil
	}

	d := dts(pkt)
	if d < 0 {
		d = 0
	}
	duration := uint32(0)
	if pkt.Duration > 0 {
		duration = uint32(pkt.Duration)
	} else if t.sampleNum > 0 && d > t.lastDTS {
		duration = uint32(d - t.lastDTS)
	} else {
		duration = t.lastDur
	}

	part := &fmp4.Part{
		SequenceNumber: m.sequenceNumber,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       t.id,
				BaseTime: uint64(d),
				Samples: []*fmp4.Sample{
					{
						Duration:        duration,
						IsNonSyncSample: !pkt.Key,
						Payload:         pkt.Data,
					},
				},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal part: %w", err)
	}
	partBytes := buf.Bytes()
	if _, err := m.writer.Write(partBytes); err != nil {
		m.logger.Error("Failed to write part", "error", err, "size", len(partBytes))
		return fmt.Errorf("failed to write part: %w", err)
	}

	t.lastDTS, t.lastDur = d, duration
	t.sampleNum++
	m.sequenceNumber++
	m.logger.Debug("Packet written", "track", t.id, "dts", d, "duration", duration, "size", len(partBytes))
	return nil
}
