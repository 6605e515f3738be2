package capture

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"k8s.io/utils/clock"

	"github.com/babelcloud/avmerge/internal/recorder/codec"
	"github.com/babelcloud/avmerge/internal/recorder/convert"
	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Pattern selects the picture a synthetic video device draws.
type Pattern int

const (
	PatternSolid Pattern = iota
	PatternBars
	PatternGradient
	PatternMovingBox
)

func (p Pattern) String() string {
	switch p {
	case PatternSolid:
		return "solid"
	case PatternBars:
		return "bars"
	case PatternGradient:
		return "gradient"
	case PatternMovingBox:
		return "moving box"
	}
	return fmt.Sprintf("Pattern(%d)", int(p))
}

// Stream time bases of synthetic devices.
var patternVideoTimeBase = core.NewRational(1, 1_000_000)

// PatternOptions configures a synthetic device.
type PatternOptions struct {
	Video       bool
	Width       int
	Height      int
	FrameRate   core.Rational
	PixelFormat core.PixelFormat
	Pattern     Pattern
	// MJPEG emits JPEG pictures instead of raw frames.
	MJPEG bool

	Audio        bool
	SampleRate   int
	Layout       core.ChannelLayout
	SampleFormat core.SampleFormat
	Frequency    float64 // 0 for silence
	MinChunk     int
	MaxChunk     int

	Seed uint64
}

// PatternDevice is a live device emitting generated pictures and tones at
// wall-clock pace. A packet becomes readable once the clock has passed the
// capture time of its last sample.
type PatternDevice struct {
	opts    PatternOptions
	clk     clock.PassiveClock
	start   time.Time
	streams []core.StreamInfo

	videoIndex int
	audioIndex int
	frames     int64
	samples    int64
	nextChunk  int
	rng        *rand.Rand
	encoder    *codec.MJPEGEncoder
	closed     bool
}

// NewPatternDevice starts a device on clk.
func NewPatternDevice(opts PatternOptions, clk clock.PassiveClock) (*PatternDevice, error) {
	if !opts.Video && !opts.Audio {
		return nil, errors.New("pattern device needs video or audio")
	}
	d := &PatternDevice{
		opts:       opts,
		clk:        clk,
		videoIndex: -1,
		audioIndex: -1,
		rng:        rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}

	if opts.Video {
		if opts.Width <= 0 || opts.Height <= 0 || !opts.FrameRate.Valid() {
			return nil, fmt.Errorf("pattern device: invalid video %dx%d@%s", opts.Width, opts.Height, opts.FrameRate)
		}
		info := core.StreamInfo{
			Index:       len(d.streams),
			Type:        core.MediaTypeVideo,
			Codec:       codec.RawVideo,
			TimeBase:    patternVideoTimeBase,
			Width:       opts.Width,
			Height:      opts.Height,
			PixelFormat: opts.PixelFormat,
			FrameRate:   opts.FrameRate,
		}
		if opts.MJPEG {
			enc, err := codec.NewMJPEGEncoder(codec.VideoEncoderConfig{
				Width:     opts.Width,
				Height:    opts.Height,
				FrameRate: opts.FrameRate,
				TimeBase:  patternVideoTimeBase,
			})
			if err != nil {
				return nil, fmt.Errorf("pattern device: %w", err)
			}
			d.encoder = enc
			info.Codec = codec.MJPEG
			info.PixelFormat = core.PixelFormatI420
		} else if sizes, _ := opts.PixelFormat.PlaneSizes(opts.Width, opts.Height); sizes == nil {
			return nil, fmt.Errorf("pattern device: unsupported pixel format %s", opts.PixelFormat)
		}
		d.videoIndex = info.Index
		d.streams = append(d.streams, info)
	}

	if opts.Audio {
		if opts.SampleRate <= 0 || opts.Layout.NumChannels() == 0 {
			return nil, fmt.Errorf("pattern device: invalid audio %d Hz %s", opts.SampleRate, opts.Layout)
		}
		if opts.MinChunk <= 0 || opts.MaxChunk < opts.MinChunk {
			return nil, fmt.Errorf("pattern device: invalid chunk range %d..%d", opts.MinChunk, opts.MaxChunk)
		}
		var name string
		switch opts.SampleFormat {
		case core.SampleFormatS16:
			name = codec.PCMS16LE
		case core.SampleFormatF32:
			name = codec.PCMF32LE
		default:
			return nil, fmt.Errorf("pattern device: unsupported sample format %s", opts.SampleFormat)
		}
		info := core.StreamInfo{
			Index:        len(d.streams),
			Type:         core.MediaTypeAudio,
			Codec:        name,
			TimeBase:     core.NewRational(1, opts.SampleRate),
			SampleRate:   opts.SampleRate,
			SampleFormat: opts.SampleFormat,
			Layout:       opts.Layout,
		}
		d.audioIndex = info.Index
		d.streams = append(d.streams, info)
		d.nextChunk = d.chunkSize()
	}

	d.start = clk.Now()
	return d, nil
}

func (d *PatternDevice) Streams() []core.StreamInfo { return d.streams }

func (d *PatternDevice) ReadPacket() (*core.Packet, error) {
	if d.closed {
		return nil, errors.New("device closed")
	}
	elapsed := d.clk.Since(d.start)

	videoDue, audioDue := time.Duration(-1), time.Duration(-1)
	if d.videoIndex >= 0 {
		if due := d.videoDue(); due <= elapsed {
			videoDue = due
		}
	}
	if d.audioIndex >= 0 {
		if due := d.audioDue(); due <= elapsed {
			audioDue = due
		}
	}

	switch {
	case videoDue >= 0 && (audioDue < 0 || videoDue <= audioDue):
		return d.videoPacket()
	case audioDue >= 0:
		return d.audioPacket(), nil
	}
	return nil, core.ErrAgain
}

func (d *PatternDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.encoder != nil {
		return d.encoder.Close()
	}
	return nil
}

// videoDue is the capture time of the next frame.
func (d *PatternDevice) videoDue() time.Duration {
	return time.Duration(core.RescaleQ(d.frames, d.opts.FrameRate.Invert(), core.NewRational(1, int(time.Second))))
}

// audioDue is the time the next chunk has been fully captured.
func (d *PatternDevice) audioDue() time.Duration {
	end := d.samples + int64(d.nextChunk)
	return time.Duration(core.RescaleQ(end, core.NewRational(1, d.opts.SampleRate), core.NewRational(1, int(time.Second))))
}

func (d *PatternDevice) chunkSize() int {
	return d.opts.MinChunk + d.rng.IntN(d.opts.MaxChunk-d.opts.MinChunk+1)
}

func (d *PatternDevice) videoPacket() (*core.Packet, error) {
	pts := core.RescaleQ(d.frames, d.opts.FrameRate.Invert(), patternVideoTimeBase)
	format := d.opts.PixelFormat
	if d.encoder != nil {
		format = core.PixelFormatI420
	}
	frame := core.NewVideoFrame(format, d.opts.Width, d.opts.Height)
	paint(frame, d.opts.Pattern, d.frames)
	frame.PTS = pts
	d.frames++

	if d.encoder != nil {
		if err := d.encoder.SendFrame(frame); err != nil {
			return nil, err
		}
		pkt, err := d.encoder.ReceivePacket()
		if err != nil {
			return nil, err
		}
		pkt.StreamIndex = d.videoIndex
		return pkt, nil
	}

	var data []byte
	for _, p := range frame.Data {
		data = append(data, p...)
	}
	return &core.Packet{
		Data:        data,
		StreamIndex: d.videoIndex,
		PTS:         pts,
		DTS:         pts,
		Duration:    core.RescaleQ(1, d.opts.FrameRate.Invert(), patternVideoTimeBase),
		TimeBase:    patternVideoTimeBase,
		Key:         true,
	}, nil
}

func (d *PatternDevice) audioPacket() *core.Packet {
	n := d.nextChunk
	channels := d.opts.Layout.NumChannels()
	frame := core.NewAudioFrame(d.opts.SampleFormat, d.opts.Layout, d.opts.SampleRate, n)
	if d.opts.Frequency > 0 {
		samples := make([][]float64, channels)
		for c := range samples {
			samples[c] = make([]float64, n)
			for i := range samples[c] {
				t := float64(d.samples+int64(i)) / float64(d.opts.SampleRate)
				samples[c][i] = 0.25 * math.Sin(2*math.Pi*d.opts.Frequency*t)
			}
		}
		convert.SetSamples(frame, samples)
	}

	pkt := &core.Packet{
		Data:        frame.Data[0],
		StreamIndex: d.audioIndex,
		PTS:         d.samples,
		DTS:         d.samples,
		Duration:    int64(n),
		TimeBase:    core.NewRational(1, d.opts.SampleRate),
		Key:         true,
	}
	d.samples += int64(n)
	d.nextChunk = d.chunkSize()
	return pkt
}

// yuv is a BT.601 limited range colour.
type yuv struct{ y, u, v uint8 }

var colourBars = []yuv{
	{180, 128, 128}, // white
	{162, 44, 142},  // yellow
	{131, 156, 44},  // cyan
	{112, 72, 58},   // green
	{84, 184, 198},  // magenta
	{65, 100, 212},  // red
	{35, 212, 114},  // blue
	{16, 128, 128},  // black
}

func colourAt(p Pattern, index int64, x, y, w, h int) yuv {
	switch p {
	case PatternBars:
		return colourBars[x*len(colourBars)/w]
	case PatternGradient:
		return yuv{uint8(16 + 219*x/w), uint8(16 + 224*y/h), 128}
	case PatternMovingBox:
		size := min(w, h) / 4
		bx := int(index*8) % max(w-size, 1)
		by := (h - size) / 2
		if x >= bx && x < bx+size && y >= by && y < by+size {
			return yuv{235, 128, 128}
		}
		return yuv{60, 128, 128}
	}
	return yuv{128, 128, 128}
}

// paint draws frame index of pattern p into f.
func paint(f *core.Frame, p Pattern, index int64) {
	w, h := f.Width, f.Height
	at := func(x, y int) yuv { return colourAt(p, index, min(x, w-1), min(y, h-1), w, h) }

	switch f.PixelFormat {
	case core.PixelFormatI420, core.PixelFormatNV12:
		for y := 0; y < h; y++ {
			row := f.Data[0][y*f.Stride[0]:]
			for x := 0; x < w; x++ {
				row[x] = at(x, y).y
			}
		}
		for cy := 0; cy < (h+1)/2; cy++ {
			for cx := 0; cx < (w+1)/2; cx++ {
				c := at(2*cx, 2*cy)
				if f.PixelFormat == core.PixelFormatI420 {
					f.Data[1][cy*f.Stride[1]+cx] = c.u
					f.Data[2][cy*f.Stride[2]+cx] = c.v
				} else {
					f.Data[1][cy*f.Stride[1]+2*cx] = c.u
					f.Data[1][cy*f.Stride[1]+2*cx+1] = c.v
				}
			}
		}
	case core.PixelFormatUYVY422, core.PixelFormatYUYV422:
		for y := 0; y < h; y++ {
			row := f.Data[0][y*f.Stride[0]:]
			for cx := 0; cx < (w+1)/2; cx++ {
				c0, c1 := at(2*cx, y), at(2*cx+1, y)
				px := row[4*cx : 4*cx+4]
				if f.PixelFormat == core.PixelFormatUYVY422 {
					px[0], px[1], px[2], px[3] = c0.u, c0.y, c0.v, c1.y
				} else {
					px[0], px[1], px[2], px[3] = c0.y, c0.u, c1.y, c0.v
				}
			}
		}
	case core.PixelFormatRGBA, core.PixelFormatBGRA, core.PixelFormatRGB24:
		bpp := 4
		if f.PixelFormat == core.PixelFormatRGB24 {
			bpp = 3
		}
		for y := 0; y < h; y++ {
			row := f.Data[0][y*f.Stride[0]:]
			for x := 0; x < w; x++ {
				r, g, b := toRGB(at(x, y))
				px := row[x*bpp : x*bpp+bpp]
				if f.PixelFormat == core.PixelFormatBGRA {
					r, b = b, r
				}
				px[0], px[1], px[2] = r, g, b
				if bpp == 4 {
					px[3] = 255
				}
			}
		}
	}
}

func toRGB(c yuv) (r, g, b uint8) {
	yy := 298 * (int(c.y) - 16)
	d, e := int(c.u)-128, int(c.v)-128
	return clamp8((yy + 409*e + 128) >> 8),
		clamp8((yy - 100*d - 208*e + 128) >> 8),
		clamp8((yy + 516*d + 128) >> 8)
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
