package graph

import (
	"fmt"
	"strings"

	"github.com/babelcloud/avmerge/internal/recorder/convert"
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Rect is a region in luma pixels.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// ParseRect accepts the WxH+X+Y form printed by String. The offset may be
// omitted.
func ParseRect(s string) (Rect, error) {
	var r Rect
	if _, err := fmt.Sscanf(s, "%dx%d+%d+%d", &r.Width, &r.Height, &r.X, &r.Y); err == nil {
		return r, nil
	}
	r = Rect{}
	if _, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height); err != nil || strings.Contains(s, "+") {
		return Rect{}, fmt.Errorf("invalid rectangle %q, want WxH+X+Y", s)
	}
	return r, nil
}

type source struct {
	kind   string
	params Params
}

// NewBuffer is a video source node accepting frames matching p.
func NewBuffer(p Params) Filter {
	p.Type = core.MediaTypeVideo
	return &source{kind: "buffer", params: p}
}

// NewABuffer is an audio source node accepting frames matching p.
func NewABuffer(p Params) Filter {
	p.Type = core.MediaTypeAudio
	return &source{kind: "abuffer", params: p}
}

func (s *source) Kind() string    { return s.kind }
func (s *source) NumInputs() int  { return 0 }
func (s *source) NumOutputs() int { return 1 }

func (s *source) Configure([]Params) (Params, error) {
	if s.params.Type == core.MediaTypeVideo {
		if s.params.Width <= 0 || s.params.Height <= 0 || s.params.PixelFormat == core.PixelFormatNone {
			return Params{}, fmt.Errorf("invalid video parameters %dx%d %s",
				s.params.Width, s.params.Height, s.params.PixelFormat)
		}
	} else if s.params.SampleRate <= 0 || s.params.Layout.NumChannels() == 0 ||
		s.params.SampleFormat == core.SampleFormatNone {
		return Params{}, fmt.Errorf("invalid audio parameters %s %d Hz %s",
			s.params.SampleFormat, s.params.SampleRate, s.params.Layout)
	}
	return s.params, nil
}

func (s *source) Process(in []*core.Frame) (*core.Frame, error) { return nil, nil }

type sink struct {
	kind string
	typ  core.MediaType
}

// NewBufferSink terminates a video chain.
func NewBufferSink() Filter { return &sink{kind: "buffersink", typ: core.MediaTypeVideo} }

// NewABufferSink terminates an audio chain.
func NewABufferSink() Filter { return &sink{kind: "abuffersink", typ: core.MediaTypeAudio} }

func (s *sink) Kind() string    { return s.kind }
func (s *sink) NumInputs() int  { return 1 }
func (s *sink) NumOutputs() int { return 0 }

func (s *sink) Configure(in []Params) (Params, error) {
	if in[0].Type != s.typ {
		return Params{}, fmt.Errorf("%s fed with %s", s.kind, in[0].Type)
	}
	return in[0], nil
}

func (s *sink) Process(in []*core.Frame) (*core.Frame, error) { return in[0], nil }

type passthrough struct {
	kind string
	typ  core.MediaType
}

// NewNull forwards video frames unchanged.
func NewNull() Filter { return &passthrough{kind: "null", typ: core.MediaTypeVideo} }

// NewANull forwards audio frames unchanged.
func NewANull() Filter { return &passthrough{kind: "anull", typ: core.MediaTypeAudio} }

func (p *passthrough) Kind() string    { return p.kind }
func (p *passthrough) NumInputs() int  { return 1 }
func (p *passthrough) NumOutputs() int { return 1 }

func (p *passthrough) Configure(in []Params) (Params, error) {
	if in[0].Type != p.typ {
		return Params{}, fmt.Errorf("%s fed with %s", p.kind, in[0].Type)
	}
	return in[0], nil
}

func (p *passthrough) Process(in []*core.Frame) (*core.Frame, error) { return in[0], nil }

type crop struct {
	rect Rect
}

// NewCrop cuts rect out of an I420 frame.
func NewCrop(rect Rect) Filter { return &crop{rect: rect} }

func (c *crop) Kind() string    { return "crop" }
func (c *crop) NumInputs() int  { return 1 }
func (c *crop) NumOutputs() int { return 1 }

func (c *crop) Configure(in []Params) (Params, error) {
	p := in[0]
	if err := requireI420(p); err != nil {
		return Params{}, err
	}
	r := c.rect
	if r.Width <= 0 || r.Height <= 0 || r.X < 0 || r.Y < 0 ||
		r.X+r.Width > p.Width || r.Y+r.Height > p.Height {
		return Params{}, fmt.Errorf("crop %s outside %dx%d input", r, p.Width, p.Height)
	}
	p.Width, p.Height = r.Width, r.Height
	return p, nil
}

func (c *crop) Process(in []*core.Frame) (*core.Frame, error) {
	src, r := in[0], c.rect
	if r.X+r.Width > src.Width || r.Y+r.Height > src.Height {
		return nil, fmt.Errorf("crop %s outside %dx%d frame", r, src.Width, src.Height)
	}
	dst := core.NewVideoFrame(core.PixelFormatI420, r.Width, r.Height)
	blit(dst, src, r.X, r.Y, 0, 0, r.Width, r.Height)
	dst.PTS, dst.TimeBase = src.PTS, src.TimeBase
	return dst, nil
}

type pad struct {
	width, height int
	x, y          int
}

// NewPad places the input at (x, y) on a black width x height canvas.
func NewPad(width, height, x, y int) Filter {
	return &pad{width: width, height: height, x: x, y: y}
}

func (p *pad) Kind() string    { return "pad" }
func (p *pad) NumInputs() int  { return 1 }
func (p *pad) NumOutputs() int { return 1 }

func (p *pad) Configure(in []Params) (Params, error) {
	out := in[0]
	if err := requireI420(out); err != nil {
		return Params{}, err
	}
	if p.x < 0 || p.y < 0 || p.x+out.Width > p.width || p.y+out.Height > p.height {
		return Params{}, fmt.Errorf("%dx%d input does not fit %dx%d canvas at (%d,%d)",
			out.Width, out.Height, p.width, p.height, p.x, p.y)
	}
	out.Width, out.Height = p.width, p.height
	return out, nil
}

func (p *pad) Process(in []*core.Frame) (*core.Frame, error) {
	src := in[0]
	dst := core.NewVideoFrame(core.PixelFormatI420, p.width, p.height)
	fill(dst.Data[0], 16)
	fill(dst.Data[1], 128)
	fill(dst.Data[2], 128)
	blit(dst, src, 0, 0, p.x, p.y, min(src.Width, p.width-p.x), min(src.Height, p.height-p.y))
	dst.PTS, dst.TimeBase = src.PTS, src.TimeBase
	return dst, nil
}

type overlay struct {
	x, y int
}

// NewOverlay draws input 1 over input 0 at (x, y).
func NewOverlay(x, y int) Filter { return &overlay{x: x, y: y} }

func (o *overlay) Kind() string    { return "overlay" }
func (o *overlay) NumInputs() int  { return 2 }
func (o *overlay) NumOutputs() int { return 1 }

func (o *overlay) Configure(in []Params) (Params, error) {
	for _, p := range in {
		if err := requireI420(p); err != nil {
			return Params{}, err
		}
	}
	if o.x < 0 || o.y < 0 || o.x >= in[0].Width || o.y >= in[0].Height {
		return Params{}, fmt.Errorf("overlay position (%d,%d) outside %dx%d main input",
			o.x, o.y, in[0].Width, in[0].Height)
	}
	return in[0], nil
}

func (o *overlay) Process(in []*core.Frame) (*core.Frame, error) {
	main, top := in[0], in[1]
	dst := main.Clone()
	w := min(top.Width, main.Width-o.x)
	h := min(top.Height, main.Height-o.y)
	blit(dst, top, 0, 0, o.x, o.y, w, h)
	return dst, nil
}

type amerge struct {
	inputs int
}

// NewAMerge joins the channels of n audio inputs into one frame.
func NewAMerge(n int) Filter { return &amerge{inputs: n} }

func (m *amerge) Kind() string    { return "amerge" }
func (m *amerge) NumInputs() int  { return m.inputs }
func (m *amerge) NumOutputs() int { return 1 }

func (m *amerge) Configure(in []Params) (Params, error) {
	out := in[0]
	var names []string
	for i, p := range in {
		if p.Type != core.MediaTypeAudio {
			return Params{}, fmt.Errorf("input %d is %s", i, p.Type)
		}
		if p.SampleFormat != out.SampleFormat || p.SampleRate != out.SampleRate {
			return Params{}, fmt.Errorf("input %d is %s %d Hz, input 0 is %s %d Hz",
				i, p.SampleFormat, p.SampleRate, out.SampleFormat, out.SampleRate)
		}
		names = append(names, p.Layout.Channels...)
	}
	out.Layout = mergedLayout(names)
	return out, nil
}

// mergedLayout keeps channel names when they are unique, otherwise falls back
// to anonymous c0..cN.
func mergedLayout(names []string) core.ChannelLayout {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := strings.ToUpper(n)
		if seen[key] {
			return core.UnnamedLayout(len(names))
		}
		seen[key] = true
	}
	return core.ChannelLayout{Name: strings.Join(names, "+"), Channels: names}
}

func (m *amerge) Process(in []*core.Frame) (*core.Frame, error) {
	n := in[0].NbSamples
	var names []string
	for _, f := range in {
		n = min(n, f.NbSamples)
		names = append(names, f.Layout.Channels...)
	}
	first := in[0]
	dst := core.NewAudioFrame(first.SampleFormat, mergedLayout(names), first.SampleRate, n)
	bps := first.SampleFormat.BytesPerSample()
	total := dst.Layout.NumChannels()

	out := 0
	for _, f := range in {
		ch := f.Layout.NumChannels()
		for c := 0; c < ch; c++ {
			for i := 0; i < n; i++ {
				var s, d []byte
				if f.SampleFormat.Planar() {
					s = f.Data[c][i*bps : (i+1)*bps]
					d = dst.Data[out][i*bps:]
				} else {
					s = f.Data[0][(i*ch+c)*bps : (i*ch+c+1)*bps]
					d = dst.Data[0][(i*total+out)*bps:]
				}
				copy(d, s)
			}
			out++
		}
	}
	dst.PTS, dst.TimeBase = first.PTS, first.TimeBase
	return dst, nil
}

type pan struct {
	spec   *PanSpec
	matrix [][]float64
}

// NewPan remixes channels according to a pan specification such as
// "stereo|FL=c0+c2|FR=c1+c2".
func NewPan(spec string) (Filter, error) {
	p, err := ParsePan(spec)
	if err != nil {
		return nil, err
	}
	return &pan{spec: p}, nil
}

func (p *pan) Kind() string    { return "pan" }
func (p *pan) NumInputs() int  { return 1 }
func (p *pan) NumOutputs() int { return 1 }

func (p *pan) Configure(in []Params) (Params, error) {
	if in[0].Type != core.MediaTypeAudio {
		return Params{}, fmt.Errorf("pan fed with %s", in[0].Type)
	}
	m, err := p.spec.Matrix(in[0].Layout)
	if err != nil {
		return Params{}, err
	}
	p.matrix = m
	out := in[0]
	out.Layout = p.spec.Layout
	return out, nil
}

func (p *pan) Process(in []*core.Frame) (*core.Frame, error) {
	src := in[0]
	if src.Layout.NumChannels() != len(p.matrix[0]) {
		return nil, fmt.Errorf("pan expects %d input channels, got %d", len(p.matrix[0]), src.Layout.NumChannels())
	}
	samples, err := convert.Samples(src)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(p.matrix))
	for o, gains := range p.matrix {
		out[o] = make([]float64, src.NbSamples)
		for c, gain := range gains {
			if gain == 0 {
				continue
			}
			for i, s := range samples[c] {
				out[o][i] += gain * s
			}
		}
	}
	dst := core.NewAudioFrame(src.SampleFormat, p.spec.Layout, src.SampleRate, src.NbSamples)
	convert.SetSamples(dst, out)
	dst.PTS, dst.TimeBase = src.PTS, src.TimeBase
	return dst, nil
}

func requireI420(p Params) error {
	if p.Type != core.MediaTypeVideo || p.PixelFormat != core.PixelFormatI420 {
		return fmt.Errorf("need yuv420p video, got %s %s", p.Type, p.PixelFormat)
	}
	return nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// blit copies a w x h region at (sx, sy) in src to (dx, dy) in dst. Both are
// I420; chroma offsets and sizes follow the 2x2 subsampling.
func blit(dst, src *core.Frame, sx, sy, dx, dy, w, h int) {
	if w <= 0 || h <= 0 {
		return
	}
	for row := 0; row < h; row++ {
		s := src.Data[0][(sy+row)*src.Stride[0]+sx:]
		d := dst.Data[0][(dy+row)*dst.Stride[0]+dx:]
		copy(d[:w], s[:w])
	}
	cw, ch := (w+1)/2, (h+1)/2
	scw := (src.Width + 1) / 2
	sch := (src.Height + 1) / 2
	dcw := (dst.Width + 1) / 2
	dch := (dst.Height + 1) / 2
	csx, csy, cdx, cdy := sx/2, sy/2, dx/2, dy/2
	cw = min(cw, scw-csx, dcw-cdx)
	ch = min(ch, sch-csy, dch-cdy)
	for p := 1; p < 3; p++ {
		for row := 0; row < ch; row++ {
			s := src.Data[p][(csy+row)*src.Stride[p]+csx:]
			d := dst.Data[p][(cdy+row)*dst.Stride[p]+cdx:]
			copy(d[:cw], s[:cw])
		}
	}
}
