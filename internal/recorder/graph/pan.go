package graph

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// PanSpec is a parsed pan description: an output layout followed by one
// gain expression per output channel.
type PanSpec struct {
	Layout  core.ChannelLayout
	Outputs []PanOutput
}

// PanOutput defines one output channel.
type PanOutput struct {
	Channel   int
	Normalize bool
	Terms     []PanTerm
}

// PanTerm is gain*channel. Input is either an index (cN) or a channel name.
type PanTerm struct {
	Gain  float64
	Index int
	Name  string
}

// ParsePan parses "layout|out=expr|out<expr...". The layout is a name such as
// "stereo" or a channel count such as "3c". expr is a +/- separated list of
// [gain*]input terms where input is cN or a channel name. Using '<' instead of
// '=' rescales the gains so they sum to one.
func ParsePan(s string) (*PanSpec, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 {
		return nil, fmt.Errorf("pan %q: need a layout and at least one output", s)
	}
	layout, err := parsePanLayout(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, fmt.Errorf("pan %q: %w", s, err)
	}
	spec := &PanSpec{Layout: layout}
	seen := map[int]bool{}
	for _, def := range parts[1:] {
		def = strings.TrimSpace(def)
		idx := strings.IndexAny(def, "=<")
		if idx <= 0 {
			return nil, fmt.Errorf("pan %q: output definition %q needs '=' or '<'", s, def)
		}
		ch, err := resolveChannel(strings.TrimSpace(def[:idx]), layout)
		if err != nil {
			return nil, fmt.Errorf("pan %q: output %w", s, err)
		}
		if seen[ch] {
			return nil, fmt.Errorf("pan %q: output channel %d defined twice", s, ch)
		}
		seen[ch] = true
		terms, err := parsePanExpr(def[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("pan %q: %w", s, err)
		}
		spec.Outputs = append(spec.Outputs, PanOutput{
			Channel:   ch,
			Normalize: def[idx] == '<',
			Terms:     terms,
		})
	}
	return spec, nil
}

// Matrix resolves the spec against an input layout and returns the gain
// matrix indexed [output][input].
func (p *PanSpec) Matrix(in core.ChannelLayout) ([][]float64, error) {
	m := make([][]float64, p.Layout.NumChannels())
	for i := range m {
		m[i] = make([]float64, in.NumChannels())
	}
	for _, out := range p.Outputs {
		var sum float64
		for _, t := range out.Terms {
			idx := t.Index
			if t.Name != "" {
				idx = in.Index(t.Name)
				if idx < 0 {
					return nil, fmt.Errorf("pan: input layout %s has no channel %s", in, t.Name)
				}
			}
			if idx < 0 || idx >= in.NumChannels() {
				return nil, fmt.Errorf("pan: input channel c%d out of range for %d channels", idx, in.NumChannels())
			}
			m[out.Channel][idx] += t.Gain
			sum += math.Abs(t.Gain)
		}
		if out.Normalize && sum > 0 {
			for i := range m[out.Channel] {
				m[out.Channel][i] /= sum
			}
		}
	}
	return m, nil
}

func parsePanLayout(s string) (core.ChannelLayout, error) {
	if strings.HasSuffix(s, "c") {
		if n, err := strconv.Atoi(strings.TrimSuffix(s, "c")); err == nil {
			if n <= 0 || n > 64 {
				return core.ChannelLayout{}, fmt.Errorf("invalid channel count %d", n)
			}
			return core.DefaultLayout(n), nil
		}
	}
	return core.LayoutByName(s)
}

func resolveChannel(s string, layout core.ChannelLayout) (int, error) {
	if idx, ok := channelIndex(s); ok {
		if idx >= layout.NumChannels() {
			return 0, fmt.Errorf("c%d out of range for %s", idx, layout)
		}
		return idx, nil
	}
	if idx := layout.Index(s); idx >= 0 {
		return idx, nil
	}
	return 0, fmt.Errorf("%q is not a channel of %s", s, layout)
}

func channelIndex(s string) (int, bool) {
	if len(s) < 2 || (s[0] != 'c' && s[0] != 'C') {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parsePanExpr(expr string) ([]PanTerm, error) {
	var terms []PanTerm
	sign := 1.0
	var cur strings.Builder
	flush := func() error {
		tok := strings.TrimSpace(cur.String())
		cur.Reset()
		if tok == "" {
			return fmt.Errorf("empty term in %q", expr)
		}
		t, err := parsePanTerm(tok)
		if err != nil {
			return err
		}
		t.Gain *= sign
		terms = append(terms, t)
		return nil
	}
	for _, r := range expr {
		if r == '+' || r == '-' {
			if strings.TrimSpace(cur.String()) == "" {
				if r == '-' {
					sign = -sign
				}
				continue
			}
			if err := flush(); err != nil {
				return nil, err
			}
			sign = 1
			if r == '-' {
				sign = -1
			}
			continue
		}
		cur.WriteRune(r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return terms, nil
}

func parsePanTerm(tok string) (PanTerm, error) {
	t := PanTerm{Gain: 1, Index: -1}
	if g, ch, ok := strings.Cut(tok, "*"); ok {
		gain, err := strconv.ParseFloat(strings.TrimSpace(g), 64)
		if err != nil {
			return PanTerm{}, fmt.Errorf("invalid gain in %q", tok)
		}
		t.Gain = gain
		tok = strings.TrimSpace(ch)
	}
	if idx, ok := channelIndex(tok); ok {
		t.Index = idx
		return t, nil
	}
	if tok == "" || strings.ContainsAny(tok, " *=<") {
		return PanTerm{}, fmt.Errorf("invalid channel %q", tok)
	}
	t.Name = tok
	return t, nil
}
