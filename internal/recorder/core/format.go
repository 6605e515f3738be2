package core

import (
	"fmt"
	"strings"
)

// MediaType distinguishes video and audio data.
type MediaType int

const (
	MediaTypeVideo MediaType = iota
	MediaTypeAudio
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	default:
		return fmt.Sprintf("MediaType(%d)", int(t))
	}
}

// PixelFormat identifies the memory layout of a video frame.
type PixelFormat int

const (
	PixelFormatNone PixelFormat = iota
	PixelFormatI420             // planar Y, U, V with 2x2 chroma subsampling
	PixelFormatNV12             // planar Y, interleaved UV
	PixelFormatUYVY422          // packed U0 Y0 V0 Y1
	PixelFormatYUYV422          // packed Y0 U0 Y1 V0
	PixelFormatRGBA
	PixelFormatBGRA
	PixelFormatRGB24
)

var pixelFormatNames = map[PixelFormat]string{
	PixelFormatI420:    "yuv420p",
	PixelFormatNV12:    "nv12",
	PixelFormatUYVY422: "uyvy422",
	PixelFormatYUYV422: "yuyv422",
	PixelFormatRGBA:    "rgba",
	PixelFormatBGRA:    "bgra",
	PixelFormatRGB24:   "rgb24",
}

func (f PixelFormat) String() string {
	if name, ok := pixelFormatNames[f]; ok {
		return name
	}
	return "none"
}

// ParsePixelFormat accepts the toolkit names ("uyvy422", "yuv420p", ...).
func ParsePixelFormat(s string) (PixelFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "i420" {
		return PixelFormatI420, nil
	}
	for f, name := range pixelFormatNames {
		if name == s {
			return f, nil
		}
	}
	return PixelFormatNone, fmt.Errorf("unknown pixel format %q", s)
}

// PlaneSizes returns the byte size and stride of each plane for a tightly
// packed frame of the given dimensions.
func (f PixelFormat) PlaneSizes(width, height int) (sizes []int, strides []int) {
	cw, ch := (width+1)/2, (height+1)/2
	switch f {
	case PixelFormatI420:
		return []int{width * height, cw * ch, cw * ch}, []int{width, cw, cw}
	case PixelFormatNV12:
		return []int{width * height, 2 * cw * ch}, []int{width, 2 * cw}
	case PixelFormatUYVY422, PixelFormatYUYV422:
		return []int{2 * cw * 2 * height}, []int{2 * cw * 2}
	case PixelFormatRGBA, PixelFormatBGRA:
		return []int{4 * width * height}, []int{4 * width}
	case PixelFormatRGB24:
		return []int{3 * width * height}, []int{3 * width}
	}
	return nil, nil
}

// SampleFormat identifies the encoding of audio samples.
type SampleFormat int

const (
	SampleFormatNone SampleFormat = iota
	SampleFormatS16               // interleaved signed 16-bit
	SampleFormatF32               // interleaved float32
	SampleFormatS16P              // planar signed 16-bit
	SampleFormatF32P              // planar float32
)

var sampleFormatNames = map[SampleFormat]string{
	SampleFormatS16:  "s16",
	SampleFormatF32:  "flt",
	SampleFormatS16P: "s16p",
	SampleFormatF32P: "fltp",
}

func (f SampleFormat) String() string {
	if name, ok := sampleFormatNames[f]; ok {
		return name
	}
	return "none"
}

// ParseSampleFormat accepts "s16", "flt", "s16p" and "fltp".
func ParseSampleFormat(s string) (SampleFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range sampleFormatNames {
		if name == s {
			return f, nil
		}
	}
	return SampleFormatNone, fmt.Errorf("unknown sample format %q", s)
}

// BytesPerSample is the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleFormatS16, SampleFormatS16P:
		return 2
	case SampleFormatF32, SampleFormatF32P:
		return 4
	}
	return 0
}

// Planar reports whether each channel lives in its own plane.
func (f SampleFormat) Planar() bool {
	return f == SampleFormatS16P || f == SampleFormatF32P
}

// ChannelLayout names an ordered set of audio channels.
type ChannelLayout struct {
	Name     string
	Channels []string
}

var namedLayouts = map[string][]string{
	"mono":   {"FC"},
	"stereo": {"FL", "FR"},
	"2.1":    {"FL", "FR", "LFE"},
	"3.0":    {"FL", "FR", "FC"},
	"quad":   {"FL", "FR", "BL", "BR"},
	"5.0":    {"FL", "FR", "FC", "BL", "BR"},
	"5.1":    {"FL", "FR", "FC", "LFE", "BL", "BR"},
}

// LayoutByName returns one of the well-known layouts.
func LayoutByName(name string) (ChannelLayout, error) {
	channels, ok := namedLayouts[strings.ToLower(name)]
	if !ok {
		return ChannelLayout{}, fmt.Errorf("unknown channel layout %q", name)
	}
	return ChannelLayout{Name: strings.ToLower(name), Channels: append([]string(nil), channels...)}, nil
}

// DefaultLayout returns the conventional layout for n channels.
func DefaultLayout(n int) ChannelLayout {
	switch n {
	case 1:
		l, _ := LayoutByName("mono")
		return l
	case 2:
		l, _ := LayoutByName("stereo")
		return l
	case 3:
		l, _ := LayoutByName("2.1")
		return l
	case 4:
		l, _ := LayoutByName("quad")
		return l
	case 6:
		l, _ := LayoutByName("5.1")
		return l
	}
	return UnnamedLayout(n)
}

// UnnamedLayout returns n anonymous channels.
func UnnamedLayout(n int) ChannelLayout {
	channels := make([]string, n)
	for i := range channels {
		channels[i] = fmt.Sprintf("c%d", i)
	}
	return ChannelLayout{Name: fmt.Sprintf("%d channels", n), Channels: channels}
}

// NumChannels is the channel count.
func (l ChannelLayout) NumChannels() int {
	return len(l.Channels)
}

// Index returns the position of the named channel or -1.
func (l ChannelLayout) Index(name string) int {
	for i, c := range l.Channels {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Equal compares channel order, ignoring the layout name.
func (l ChannelLayout) Equal(o ChannelLayout) bool {
	if len(l.Channels) != len(o.Channels) {
		return false
	}
	for i := range l.Channels {
		if !strings.EqualFold(l.Channels[i], o.Channels[i]) {
			return false
		}
	}
	return true
}

func (l ChannelLayout) String() string {
	if l.Name != "" {
		return l.Name
	}
	return strings.Join(l.Channels, "+")
}
