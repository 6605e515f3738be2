// Package capture reads live audio/video endpoints and turns their packets
// into raw frames.
package capture

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/utils/clock"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Config is the fixed set of options every endpoint is opened with.
type Config struct {
	FrameRate   core.Rational
	PixelFormat core.PixelFormat
	// CaptureCursor asks screen devices to draw the pointer. Synthetic
	// devices record it and ignore it.
	CaptureCursor bool
}

// DefaultConfig is 30 fps uyvy422 without cursor.
func DefaultConfig() Config {
	return Config{
		FrameRate:   core.NewRational(30, 1),
		PixelFormat: core.PixelFormatUYVY422,
	}
}

// Device is an opened capture endpoint.
type Device interface {
	// Streams describes the elementary streams; packet StreamIndex refers to
	// the position in this slice.
	Streams() []core.StreamInfo
	// ReadPacket returns the next packet or core.ErrAgain when none is ready.
	// It never blocks.
	ReadPacket() (*core.Packet, error)
	Close() error
}

// Opener opens an endpoint string such as "0:1".
type Opener func(endpoint string, cfg Config) (Device, error)

// DeviceInfo lists one entry of the device registry.
type DeviceInfo struct {
	Type        core.MediaType
	ID          string
	Name        string
	Description string
}

// videoSpec and audioSpec describe the built-in synthetic devices.
type videoSpec struct {
	name    string
	width   int
	height  int
	pattern Pattern
	mjpeg   bool
}

type audioSpec struct {
	name      string
	rate      int
	layout    string
	format    core.SampleFormat
	frequency float64 // 0 for silence
	minChunk  int
	maxChunk  int
}

var videoDevices = map[string]videoSpec{
	"0": {name: "Synthetic camera", width: 1280, height: 800, pattern: PatternBars},
	"1": {name: "Synthetic screen 0", width: 1440, height: 900, pattern: PatternGradient},
	"2": {name: "Synthetic screen 1", width: 1440, height: 900, pattern: PatternMovingBox},
	"3": {name: "Synthetic MJPEG camera", width: 640, height: 480, pattern: PatternBars, mjpeg: true},
	"4": {name: "Solid grey", width: 640, height: 480, pattern: PatternSolid},
}

var audioDevices = map[string]audioSpec{
	"0": {name: "Synthetic microphone", rate: 48000, layout: "stereo", format: core.SampleFormatF32, frequency: 440, minChunk: 470, maxChunk: 530},
	"1": {name: "Silence", rate: 48000, layout: "stereo", format: core.SampleFormatS16, minChunk: 512, maxChunk: 512},
	"2": {name: "Synthetic line in", rate: 44100, layout: "mono", format: core.SampleFormatS16, frequency: 660, minChunk: 470, maxChunk: 530},
}

// Devices lists the built-in devices.
func Devices() []DeviceInfo {
	var out []DeviceInfo
	for id, s := range videoDevices {
		kind := "raw " + s.pattern.String()
		if s.mjpeg {
			kind = "mjpeg " + s.pattern.String()
		}
		out = append(out, DeviceInfo{
			Type:        core.MediaTypeVideo,
			ID:          id,
			Name:        s.name,
			Description: fmt.Sprintf("%dx%d %s", s.width, s.height, kind),
		})
	}
	for id, s := range audioDevices {
		tone := "silence"
		if s.frequency > 0 {
			tone = fmt.Sprintf("%.0f Hz tone", s.frequency)
		}
		out = append(out, DeviceInfo{
			Type:        core.MediaTypeAudio,
			ID:          id,
			Name:        s.name,
			Description: fmt.Sprintf("%d Hz %s %s, %s", s.rate, s.layout, s.format, tone),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ParseEndpoint splits "video:audio". Either side may be empty but not both.
func ParseEndpoint(endpoint string) (video, audio string, err error) {
	video, audio, found := strings.Cut(endpoint, ":")
	if !found {
		return "", "", fmt.Errorf("endpoint %q is not of the form <video>:<audio>", endpoint)
	}
	video, audio = strings.TrimSpace(video), strings.TrimSpace(audio)
	if video == "" && audio == "" {
		return "", "", fmt.Errorf("endpoint %q names no device", endpoint)
	}
	return video, audio, nil
}

// NewOpener returns an Opener resolving endpoints against the built-in
// devices, paced by clk.
func NewOpener(clk clock.PassiveClock) Opener {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return func(endpoint string, cfg Config) (Device, error) {
		return OpenDevice(endpoint, cfg, clk)
	}
}

// OpenDevice opens a built-in device.
func OpenDevice(endpoint string, cfg Config, clk clock.PassiveClock) (Device, error) {
	videoID, audioID, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if !cfg.FrameRate.Valid() {
		return nil, fmt.Errorf("invalid frame rate %s", cfg.FrameRate)
	}
	if sizes, _ := cfg.PixelFormat.PlaneSizes(2, 2); sizes == nil {
		return nil, fmt.Errorf("unsupported pixel format %s", cfg.PixelFormat)
	}

	opts := PatternOptions{FrameRate: cfg.FrameRate, PixelFormat: cfg.PixelFormat}
	if videoID != "" {
		spec, ok := videoDevices[videoID]
		if !ok {
			return nil, fmt.Errorf("no video device %q", videoID)
		}
		opts.Video = true
		opts.Width, opts.Height = spec.width, spec.height
		opts.Pattern = spec.pattern
		opts.MJPEG = spec.mjpeg
	}
	if audioID != "" {
		spec, ok := audioDevices[audioID]
		if !ok {
			return nil, fmt.Errorf("no audio device %q", audioID)
		}
		layout, err := core.LayoutByName(spec.layout)
		if err != nil {
			return nil, err
		}
		opts.Audio = true
		opts.SampleRate = spec.rate
		opts.Layout = layout
		opts.SampleFormat = spec.format
		opts.Frequency = spec.frequency
		opts.MinChunk, opts.MaxChunk = spec.minChunk, spec.maxChunk
	}
	opts.Seed = uint64(len(endpoint))
	for _, c := range endpoint {
		opts.Seed = opts.Seed*31 + uint64(c)
	}
	return NewPatternDevice(opts, clk)
}
