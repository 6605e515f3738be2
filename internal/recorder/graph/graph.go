// Package graph implements the fixed-topology composition graph: named
// filter nodes connected by one-slot edges. A node fires as soon as every
// input edge holds a frame; pushing onto an occupied edge replaces the stale
// frame so live sources never block. Edges into sink nodes queue their
// frames instead, so every frame the graph produces can be pulled.
package graph

import (
	"fmt"
	"log/slog"

	"github.com/vishalkuo/bimap"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Params describes the frames flowing out of a node.
type Params struct {
	Type core.MediaType

	Width       int
	Height      int
	PixelFormat core.PixelFormat

	SampleFormat core.SampleFormat
	SampleRate   int
	Layout       core.ChannelLayout
}

// Filter is one processing step.
type Filter interface {
	Kind() string
	NumInputs() int
	NumOutputs() int
	// Configure checks the input parameters and returns the output ones.
	Configure(in []Params) (Params, error)
	Process(in []*core.Frame) (*core.Frame, error)
}

// maxQueued bounds the frames waiting at a sink that is not being pulled.
const maxQueued = 256

type edge struct {
	from  *node
	to    *node
	toPad int
	frame *core.Frame
	queue []*core.Frame // sink edges only
}

type node struct {
	id      int
	name    string
	filter  Filter
	inputs  []*edge
	outputs []*edge
	params  Params
	ready   bool
}

// Graph owns the nodes and edges of one composition.
type Graph struct {
	logger     *slog.Logger
	nodes      []*node
	ids        *bimap.BiMap[string, int]
	configured bool
	dropped    int64
}

// New returns an empty graph.
func New(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		logger: logger,
		ids:    bimap.NewBiMap[string, int](),
	}
}

// Add registers a filter under a unique name.
func (g *Graph) Add(name string, f Filter) error {
	if g.configured {
		return fmt.Errorf("graph already configured")
	}
	if _, ok := g.ids.Get(name); ok {
		return fmt.Errorf("duplicate node name %q", name)
	}
	n := &node{
		id:      len(g.nodes),
		name:    name,
		filter:  f,
		inputs:  make([]*edge, f.NumInputs()),
		outputs: make([]*edge, f.NumOutputs()),
	}
	g.nodes = append(g.nodes, n)
	g.ids.Insert(name, n.id)
	return nil
}

// Link connects output pad srcPad of src to input pad dstPad of dst.
func (g *Graph) Link(src string, srcPad int, dst string, dstPad int) error {
	from, err := g.lookup(src)
	if err != nil {
		return err
	}
	to, err := g.lookup(dst)
	if err != nil {
		return err
	}
	if srcPad < 0 || srcPad >= len(from.outputs) {
		return fmt.Errorf("%s has no output pad %d", src, srcPad)
	}
	if dstPad < 0 || dstPad >= len(to.inputs) {
		return fmt.Errorf("%s has no input pad %d", dst, dstPad)
	}
	if from.outputs[srcPad] != nil {
		return fmt.Errorf("%s output pad %d already linked", src, srcPad)
	}
	if to.inputs[dstPad] != nil {
		return fmt.Errorf("%s input pad %d already linked", dst, dstPad)
	}
	e := &edge{from: from, to: to, toPad: dstPad}
	from.outputs[srcPad] = e
	to.inputs[dstPad] = e
	return nil
}

// Config validates that every pad is linked and propagates frame
// parameters from the sources to the sinks.
func (g *Graph) Config() error {
	for _, n := range g.nodes {
		for i, e := range n.inputs {
			if e == nil {
				return fmt.Errorf("%s (%s) input pad %d is not linked", n.name, n.filter.Kind(), i)
			}
		}
		for i, e := range n.outputs {
			if e == nil {
				return fmt.Errorf("%s (%s) output pad %d is not linked", n.name, n.filter.Kind(), i)
			}
		}
	}

	pending := len(g.nodes)
	for pending > 0 {
		progress := false
		for _, n := range g.nodes {
			if n.ready {
				continue
			}
			in := make([]Params, len(n.inputs))
			ok := true
			for i, e := range n.inputs {
				if !e.from.ready {
					ok = false
					break
				}
				in[i] = e.from.params
			}
			if !ok {
				continue
			}
			p, err := n.filter.Configure(in)
			if err != nil {
				return fmt.Errorf("configure %s: %w", n.name, err)
			}
			n.params, n.ready = p, true
			pending--
			progress = true
		}
		if !progress {
			return fmt.Errorf("graph contains a cycle")
		}
	}
	g.configured = true
	return nil
}

// Output returns the configured parameters of a node.
func (g *Graph) Output(name string) (Params, bool) {
	n, err := g.lookup(name)
	if err != nil || !n.ready {
		return Params{}, false
	}
	return n.params, true
}

// Push feeds a frame into a source node and runs every node that becomes
// ready. Errors are recoverable: the frame is dropped and counted.
func (g *Graph) Push(name string, f *core.Frame) error {
	if !g.configured {
		return fmt.Errorf("graph not configured")
	}
	n, err := g.lookup(name)
	if err != nil {
		return err
	}
	if len(n.inputs) != 0 {
		return fmt.Errorf("%s is not a source node", name)
	}
	if err := matches(n.params, f); err != nil {
		g.dropped++
		return fmt.Errorf("%s: %w", name, err)
	}
	return g.emit(n, f)
}

// Pull removes the oldest frame waiting at a sink node.
func (g *Graph) Pull(name string) (*core.Frame, bool) {
	n, err := g.lookup(name)
	if err != nil || len(n.outputs) != 0 || len(n.inputs) != 1 {
		return nil, false
	}
	e := n.inputs[0]
	if len(e.queue) == 0 {
		return nil, false
	}
	f := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return f, true
}

// Queued is the number of frames waiting at a sink node.
func (g *Graph) Queued(name string) int {
	n, err := g.lookup(name)
	if err != nil || len(n.outputs) != 0 || len(n.inputs) != 1 {
		return 0
	}
	return len(n.inputs[0].queue)
}

// Dropped counts frames discarded because an edge was overwritten or a
// filter failed.
func (g *Graph) Dropped() int64 { return g.dropped }

// NodeName maps a node id back to its name.
func (g *Graph) NodeName(id int) string {
	name, _ := g.ids.GetInverse(id)
	return name
}

func (g *Graph) lookup(name string) (*node, error) {
	id, ok := g.ids.Get(name)
	if !ok {
		return nil, fmt.Errorf("no node named %q", name)
	}
	return g.nodes[id], nil
}

func (g *Graph) emit(n *node, f *core.Frame) error {
	if len(n.outputs) == 0 {
		return nil
	}
	e := n.outputs[0]
	if len(e.to.outputs) == 0 {
		if len(e.queue) >= maxQueued {
			g.dropped++
			g.logger.Warn("Sink queue full, dropping oldest frame", "sink", e.to.name)
			e.queue[0] = nil
			e.queue = e.queue[1:]
		}
		e.queue = append(e.queue, f)
		return nil
	}
	if e.frame != nil {
		g.dropped++
		g.logger.Debug("Replacing stale frame", "from", n.name, "to", g.NodeName(e.to.id), "pad", e.toPad)
	}
	e.frame = f
	return g.fire(e.to)
}

func (g *Graph) fire(n *node) error {
	in := make([]*core.Frame, len(n.inputs))
	for i, e := range n.inputs {
		if e.frame == nil {
			return nil
		}
		in[i] = e.frame
	}
	for _, e := range n.inputs {
		e.frame = nil
	}
	out, err := n.filter.Process(in)
	if err != nil {
		g.dropped++
		return fmt.Errorf("%s: %w", n.name, err)
	}
	if out == nil {
		return nil
	}
	return g.emit(n, out)
}

func matches(p Params, f *core.Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if f.Type != p.Type {
		return fmt.Errorf("got %s frame, want %s", f.Type, p.Type)
	}
	if p.Type == core.MediaTypeVideo {
		if f.Width != p.Width || f.Height != p.Height || f.PixelFormat != p.PixelFormat {
			return fmt.Errorf("got %dx%d %s, want %dx%d %s",
				f.Width, f.Height, f.PixelFormat, p.Width, p.Height, p.PixelFormat)
		}
		return nil
	}
	if f.SampleFormat != p.SampleFormat || f.SampleRate != p.SampleRate ||
		f.Layout.NumChannels() != p.Layout.NumChannels() {
		return fmt.Errorf("got %s %d Hz %d channels, want %s %d Hz %d channels",
			f.SampleFormat, f.SampleRate, f.Layout.NumChannels(),
			p.SampleFormat, p.SampleRate, p.Layout.NumChannels())
	}
	return nil
}
