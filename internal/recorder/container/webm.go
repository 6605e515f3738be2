package container

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// webmTimeBase matches the default 1ms TimecodeScale of the segment info.
var webmTimeBase = core.NewRational(1, 1000)

// closeTimeout bounds the wait for the block writer goroutine to flush the
// last cluster.
const closeTimeout = 5 * time.Second

// WebMMuxer writes a Matroska/WebM file with one SimpleBlock per packet.
type WebMMuxer struct {
	base
	writer  io.Writer
	entries []webm.TrackEntry
	blocks  []webm.BlockWriteCloser
	sink    *writerCloser

	mu    sync.Mutex // fatal is set from the block writer goroutine
	fatal error
}

// NewWebMMuxer creates a muxer writing to w.
func NewWebMMuxer(w io.Writer, logger *slog.Logger) *WebMMuxer {
	return &WebMMuxer{
		base:   base{logger: logger.With("component", "webm_muxer")},
		writer: w,
	}
}

// writerCloser keeps the block writers from closing the caller's writer and
// signals when they are done with it.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
	once   sync.Once
	done   chan struct{}
}

func newWriterCloser(w io.Writer, logger *slog.Logger) *writerCloser {
	return &writerCloser{writer: w, logger: logger, done: make(chan struct{})}
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}
	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"data_size", len(p),
			"bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.closed = true
	wc.once.Do(func() { close(wc.done) })
	return nil
}

func (m *WebMMuxer) AddStream(s Stream) (int, error) {
	number := uint64(len(m.entries) + 1)
	entry := webm.TrackEntry{
		TrackNumber: number,
		TrackUID:    number,
	}
	switch s.Codec {
	case codec.MJPEG:
		entry.Name = "Video"
		entry.CodecID = "V_MJPEG"
		entry.TrackType = 1
		if s.FrameRate.Valid() {
			entry.DefaultDuration = uint64(core.RescaleQ(1, s.FrameRate.Invert(), core.NewRational(1, 1_000_000_000)))
		}
		entry.Video = &webm.Video{
			PixelWidth:  uint64(s.Width),
			PixelHeight: uint64(s.Height),
		}
	case codec.PCMS16LE:
		entry.Name = "Audio"
		entry.CodecID = "A_PCM/INT/LIT"
		entry.TrackType = 2
		entry.Audio = &webm.Audio{
			SamplingFrequency: float64(s.SampleRate),
			Channels:          uint64(s.Channels),
		}
	default:
		return 0, fmt.Errorf("webm: unsupported codec %q", s.Codec)
	}

	s.TimeBase = webmTimeBase
	idx, err := m.addStream(s)
	if err != nil {
		return 0, fmt.Errorf("webm: %w", err)
	}
	m.entries = append(m.entries, entry)
	return idx, nil
}

func (m *WebMMuxer) WriteHeader() error {
	if m.header {
		return nil
	}
	if len(m.entries) == 0 {
		return fmt.Errorf("webm: no streams")
	}

	m.sink = newWriterCloser(m.writer, m.logger)
	writers, err := webm.NewSimpleBlockWriter(m.sink, m.entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Warn("WebM error occurred", "error", err)
			m.mu.Lock()
			m.fatal = err
			m.mu.Unlock()
		}))
	if err != nil {
		m.logger.Error("Failed to create WebM writer", "error", err)
		return fmt.Errorf("failed to create webm writer: %w", err)
	}
	m.blocks = writers
	m.startInterleaving()
	m.logger.Info("WebM header written", "tracks", len(m.entries))
	return nil
}

func (m *WebMMuxer) WritePacket(pkt *core.Packet) error {
	return m.queue(pkt, m.writeBlock)
}

func (m *WebMMuxer) WriteTrailer() error {
	first, err := m.finish(m.writeBlock)
	if !first {
		return err
	}
	for i, w := range m.blocks {
		if cerr := w.Close(); cerr != nil {
			m.logger.Warn("Block writer close error", "track", i+1, "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	m.blocks = nil
	select {
	case <-m.sink.done:
	case <-time.After(closeTimeout):
		m.logger.Warn("Timed out waiting for WebM writer to finish")
	}
	if fatal := m.fatalErr(); err == nil && fatal != nil {
		err = fmt.Errorf("webm: %w", fatal)
	}
	m.logger.Info("WebM container finalized", "written", m.written)
	return err
}

func (m *WebMMuxer) fatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *WebMMuxer) writeBlock(pkt *core.Packet) error {
	if fatal := m.fatalErr(); fatal != nil {
		return fmt.Errorf("webm: %w", fatal)
	}
	if len(pkt.Data) == 0 {
		return nil
	}
	if _, err := m.blocks[pkt.StreamIndex].Write(pkt.Key, pkt.PTS, pkt.Data); err != nil {
		m.logger.Error("Failed to write block", "error", err, "size", len(pkt.Data))
		return fmt.Errorf("failed to write block: %w", err)
	}
	m.logger.Debug("Block written", "track", pkt.StreamIndex+1, "timestamp", pkt.PTS, "size", len(pkt.Data))
	return nil
}
