package graph

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// Node names shared with the driver.
const (
	VideoOut = "video_out"
	AudioOut = "audio_out"
)

// VideoIn is the name of the video source node of input i.
func VideoIn(i int) string { return fmt.Sprintf("video_in%d", i) }

// AudioIn is the name of the audio source node of input i.
func AudioIn(i int) string { return fmt.Sprintf("audio_in%d", i) }

// VideoLayout selects the video composition.
type VideoLayout int

const (
	VideoNone        VideoLayout = iota
	VideoPassthrough             // one input, unchanged
	VideoCrop                    // one input, cropped
	VideoSideBySide              // two inputs cropped and placed left/right
)

var videoLayoutNames = map[VideoLayout]string{
	VideoNone:        "none",
	VideoPassthrough: "passthrough",
	VideoCrop:        "crop",
	VideoSideBySide:  "side-by-side",
}

func (l VideoLayout) String() string { return videoLayoutNames[l] }

// ParseVideoLayout accepts the names printed by String.
func ParseVideoLayout(s string) (VideoLayout, error) {
	for l, name := range videoLayoutNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}
	return VideoNone, fmt.Errorf("unknown video layout %q", s)
}

// AudioLayout selects the audio composition.
type AudioLayout int

const (
	AudioNone   AudioLayout = iota
	AudioSingle             // one input, optionally panned
	AudioMerge              // inputs merged then panned
)

var audioLayoutNames = map[AudioLayout]string{
	AudioNone:   "none",
	AudioSingle: "single",
	AudioMerge:  "merge",
}

func (l AudioLayout) String() string { return audioLayoutNames[l] }

// ParseAudioLayout accepts the names printed by String.
func ParseAudioLayout(s string) (AudioLayout, error) {
	for l, name := range audioLayoutNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}
	return AudioNone, fmt.Errorf("unknown audio layout %q", s)
}

// Topology describes which composition to build and the parameters of
// every input.
type Topology struct {
	Video VideoLayout
	Audio AudioLayout

	// Per-input parameters of the normalized frames fed to the graph.
	VideoInputs []Params
	AudioInputs []Params

	Crop Rect
	Pan  string
	// OutputLayout, when set, must match the channel count of the audio out.
	OutputLayout core.ChannelLayout
}

// Build creates and configures the graph for t.
func Build(t Topology, logger *slog.Logger) (*Graph, error) {
	g := New(logger)
	if err := buildVideo(g, t); err != nil {
		return nil, fmt.Errorf("video %s: %w", t.Video, err)
	}
	if err := buildAudio(g, t); err != nil {
		return nil, fmt.Errorf("audio %s: %w", t.Audio, err)
	}
	if err := g.Config(); err != nil {
		return nil, err
	}
	if t.Audio != AudioNone && t.OutputLayout.NumChannels() > 0 {
		out, _ := g.Output(AudioOut)
		if out.Layout.NumChannels() != t.OutputLayout.NumChannels() {
			return nil, fmt.Errorf("audio graph produces %d channels, output needs %d",
				out.Layout.NumChannels(), t.OutputLayout.NumChannels())
		}
	}
	return g, nil
}

func buildVideo(g *Graph, t Topology) error {
	need := map[VideoLayout]int{VideoNone: 0, VideoPassthrough: 1, VideoCrop: 1, VideoSideBySide: 2}[t.Video]
	if len(t.VideoInputs) != need {
		return fmt.Errorf("needs %d video inputs, have %d", need, len(t.VideoInputs))
	}
	if t.Video == VideoNone {
		return nil
	}
	for i, p := range t.VideoInputs {
		if err := g.Add(VideoIn(i), NewBuffer(p)); err != nil {
			return err
		}
	}
	if err := g.Add(VideoOut, NewBufferSink()); err != nil {
		return err
	}

	switch t.Video {
	case VideoPassthrough:
		return chain(g, VideoIn(0), "null", NewNull(), VideoOut)
	case VideoCrop:
		return chain(g, VideoIn(0), "crop0", NewCrop(t.Crop), VideoOut)
	case VideoSideBySide:
		w, h := t.Crop.Width, t.Crop.Height
		steps := []struct {
			name string
			f    Filter
		}{
			{"crop0", NewCrop(t.Crop)},
			{"crop1", NewCrop(t.Crop)},
			{"pad", NewPad(2*w, h, 0, 0)},
			{"overlay", NewOverlay(w, 0)},
		}
		for _, s := range steps {
			if err := g.Add(s.name, s.f); err != nil {
				return err
			}
		}
		links := []struct {
			src    string
			srcPad int
			dst    string
			dstPad int
		}{
			{VideoIn(0), 0, "crop0", 0},
			{VideoIn(1), 0, "crop1", 0},
			{"crop0", 0, "pad", 0},
			{"pad", 0, "overlay", 0},
			{"crop1", 0, "overlay", 1},
			{"overlay", 0, VideoOut, 0},
		}
		for _, l := range links {
			if err := g.Link(l.src, l.srcPad, l.dst, l.dstPad); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildAudio(g *Graph, t Topology) error {
	need := map[AudioLayout]int{AudioNone: 0, AudioSingle: 1, AudioMerge: 2}[t.Audio]
	if len(t.AudioInputs) != need {
		return fmt.Errorf("needs %d audio inputs, have %d", need, len(t.AudioInputs))
	}
	if t.Audio == AudioNone {
		return nil
	}
	for i, p := range t.AudioInputs {
		if err := g.Add(AudioIn(i), NewABuffer(p)); err != nil {
			return err
		}
	}
	if err := g.Add(AudioOut, NewABufferSink()); err != nil {
		return err
	}

	mix := NewANull()
	mixName := "anull"
	if t.Pan != "" {
		p, err := NewPan(t.Pan)
		if err != nil {
			return err
		}
		mix, mixName = p, "pan"
	}

	if t.Audio == AudioSingle {
		return chain(g, AudioIn(0), mixName, mix, AudioOut)
	}

	if t.Pan == "" {
		return fmt.Errorf("merging inputs needs a pan specification")
	}
	if err := g.Add("amerge", NewAMerge(len(t.AudioInputs))); err != nil {
		return err
	}
	for i := range t.AudioInputs {
		if err := g.Link(AudioIn(i), 0, "amerge", i); err != nil {
			return err
		}
	}
	return chain(g, "amerge", mixName, mix, AudioOut)
}

// chain adds f as name and links from -> name -> to.
func chain(g *Graph, from, name string, f Filter, to string) error {
	if err := g.Add(name, f); err != nil {
		return err
	}
	if err := g.Link(from, 0, name, 0); err != nil {
		return err
	}
	return g.Link(name, 0, to, 0)
}
