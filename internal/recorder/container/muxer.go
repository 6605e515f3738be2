// Package container writes encoded packets into file containers. Every muxer
// declares its streams up front, writes a header, accepts packets through an
// interleaver and finishes with a trailer.
package container

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Format selects the container.
type Format string

const (
	FormatMP4  Format = "mp4"  // fragmented MP4
	FormatWebM Format = "webm" // Matroska/WebM
)

// FormatFromPath picks the container from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".mov":
		return FormatMP4, nil
	case ".webm", ".mkv":
		return FormatWebM, nil
	}
	return "", fmt.Errorf("cannot infer container from %q", path)
}

// ParseFormat accepts "mp4", "fmp4", "webm" and "mkv".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "mp4", "fmp4":
		return FormatMP4, nil
	case "webm", "mkv", "matroska":
		return FormatWebM, nil
	}
	return "", fmt.Errorf("unknown container format %q", s)
}

// Stream declares one elementary stream.
type Stream struct {
	Type  core.MediaType
	Codec string

	Width     int
	Height    int
	FrameRate core.Rational

	SampleRate int
	Channels   int
	BitDepth   int

	// TimeBase is the requested time base. The muxer may pick another one;
	// TimeBase(index) reports the one in effect after WriteHeader.
	TimeBase core.Rational
}

// Muxer writes packets of the declared streams into a container.
type Muxer interface {
	AddStream(s Stream) (int, error)
	TimeBase(index int) core.Rational
	WriteHeader() error
	// WritePacket queues pkt, whose timestamps are in the stream's time base,
	// and writes whatever the interleaver releases.
	WritePacket(pkt *core.Packet) error
	// WriteTrailer flushes the interleaver and finalizes the container.
	WriteTrailer() error
}

// New returns a muxer for format writing to w.
func New(format Format, w io.Writer, logger *slog.Logger) (Muxer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch format {
	case FormatMP4:
		return NewFMP4Muxer(w, logger), nil
	case FormatWebM:
		return NewWebMMuxer(w, logger), nil
	}
	return nil, fmt.Errorf("unsupported container format %q", format)
}

// base holds the stream bookkeeping shared by the muxers.
type base struct {
	logger  *slog.Logger
	streams []Stream
	il      *Interleaver
	header  bool
	trailer bool
	written []int64
}

func (b *base) addStream(s Stream) (int, error) {
	if b.header {
		return 0, fmt.Errorf("stream added after header")
	}
	if !s.TimeBase.Valid() {
		return 0, fmt.Errorf("stream %d: invalid time base %s", len(b.streams), s.TimeBase)
	}
	b.streams = append(b.streams, s)
	return len(b.streams) - 1, nil
}

func (b *base) TimeBase(index int) core.Rational {
	if index < 0 || index >= len(b.streams) {
		return core.Rational{}
	}
	return b.streams[index].TimeBase
}

func (b *base) startInterleaving() {
	bases := make([]core.Rational, len(b.streams))
	for i, s := range b.streams {
		bases[i] = s.TimeBase
	}
	b.il = NewInterleaver(bases, DefaultMaxInterleaveDelta)
	b.written = make([]int64, len(b.streams))
	b.header = true
}

// queue validates pkt and hands it to the interleaver. write is called for
// every packet released.
func (b *base) queue(pkt *core.Packet, write func(*core.Packet) error) error {
	if !b.header {
		return fmt.Errorf("header not written")
	}
	if b.trailer {
		return fmt.Errorf("trailer already written")
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(b.streams) {
		return fmt.Errorf("invalid stream index %d", pkt.StreamIndex)
	}
	b.il.Push(pkt)
	return b.drain(false, write)
}

func (b *base) drain(flush bool, write func(*core.Packet) error) error {
	for {
		pkt, ok := b.il.Pop(flush)
		if !ok {
			return nil
		}
		if err := write(pkt); err != nil {
			return err
		}
		b.written[pkt.StreamIndex]++
	}
}

func (b *base) finish(write func(*core.Packet) error) (bool, error) {
	if !b.header {
		return false, fmt.Errorf("header not written")
	}
	if b.trailer {
		return false, nil
	}
	b.trailer = true
	return true, b.drain(true, write)
}
