package container

import (
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// DefaultMaxInterleaveDelta bounds how long packets of one stream wait for
// another stream that has stopped producing.
const DefaultMaxInterleaveDelta = 10_000_000 // microseconds

var microseconds = core.NewRational(1, 1_000_000)

// Interleaver buffers packets per stream and releases them in dts order
// across streams. A packet is released once every stream has at least one
// packet queued, so the next one is known to be the earliest.
type Interleaver struct {
	queues   [][]*core.Packet
	bases    []core.Rational
	maxDelta int64
}

// NewInterleaver creates an interleaver for streams with the given time
// bases. maxDelta (microseconds) releases packets even when some stream is
// empty once the queued span grows beyond it; 0 disables that.
func NewInterleaver(bases []core.Rational, maxDelta int64) *Interleaver {
	return &Interleaver{
		queues:   make([][]*core.Packet, len(bases)),
		bases:    bases,
		maxDelta: maxDelta,
	}
}

// Push queues a packet. StreamIndex must be valid and the packet's
// timestamps expressed in that stream's time base.
func (il *Interleaver) Push(pkt *core.Packet) {
	il.queues[pkt.StreamIndex] = append(il.queues[pkt.StreamIndex], pkt)
}

// Pop returns the next packet to write. With flush set it drains whatever
// is queued regardless of the other streams.
func (il *Interleaver) Pop(flush bool) (*core.Packet, bool) {
	best := -1
	complete := true
	for i, q := range il.queues {
		if len(q) == 0 {
			complete = false
			continue
		}
		if best < 0 || il.before(q[0], il.queues[best][0]) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	if !complete && !flush && !il.overdue(best) {
		return nil, false
	}
	pkt := il.queues[best][0]
	il.queues[best][0] = nil
	il.queues[best] = il.queues[best][1:]
	return pkt, true
}

// Len is the number of queued packets.
func (il *Interleaver) Len() int {
	n := 0
	for _, q := range il.queues {
		n += len(q)
	}
	return n
}

func (il *Interleaver) before(a, b *core.Packet) bool {
	c := core.Compare(dts(a), il.bases[a.StreamIndex], dts(b), il.bases[b.StreamIndex])
	if c != 0 {
		return c < 0
	}
	return a.StreamIndex < b.StreamIndex
}

// overdue reports whether the queued span starting at stream first's head
// exceeds maxDelta.
func (il *Interleaver) overdue(first int) bool {
	if il.maxDelta <= 0 {
		return false
	}
	head := il.queues[first][0]
	start := core.RescaleQ(dts(head), il.bases[first], microseconds)
	for i, q := range il.queues {
		if len(q) == 0 {
			continue
		}
		last := q[len(q)-1]
		if core.RescaleQ(dts(last), il.bases[i], microseconds)-start > il.maxDelta {
			return true
		}
	}
	return false
}

func dts(p *core.Packet) int64 {
	if p.DTS != core.NoPTS {
		return p.DTS
	}
	return p.PTS
}
