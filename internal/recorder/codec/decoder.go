package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

type rawVideoDecoder struct {
	info core.StreamInfo
	out  queue[*core.Frame]
}

func newRawVideoDecoder(info core.StreamInfo) *rawVideoDecoder {
	return &rawVideoDecoder{info: info}
}

func (d *rawVideoDecoder) SendPacket(pkt *core.Packet) error {
	if err := d.out.accept(pkt == nil); err != nil || pkt == nil {
		return err
	}
	frame := core.NewVideoFrame(d.info.PixelFormat, d.info.Width, d.info.Height)
	need := 0
	for _, p := range frame.Data {
		need += len(p)
	}
	if len(pkt.Data) < need {
		return fmt.Errorf("rawvideo: packet has %d bytes, need %d", len(pkt.Data), need)
	}
	off := 0
	for _, p := range frame.Data {
		off += copy(p, pkt.Data[off:off+len(p)])
	}
	frame.PTS = pkt.PTS
	frame.TimeBase = d.info.TimeBase
	d.out.push(frame)
	return nil
}

func (d *rawVideoDecoder) ReceiveFrame() (*core.Frame, error) { return d.out.pop() }

func (d *rawVideoDecoder) Close() error {
	d.out.close()
	return nil
}

type mjpegDecoder struct {
	info core.StreamInfo
	out  queue[*core.Frame]
}

func newMJPEGDecoder(info core.StreamInfo) *mjpegDecoder {
	return &mjpegDecoder{info: info}
}

func (d *mjpegDecoder) SendPacket(pkt *core.Packet) error {
	if err := d.out.accept(pkt == nil); err != nil || pkt == nil {
		return err
	}
	img, err := jpeg.Decode(bytes.NewReader(pkt.Data))
	if err != nil {
		return fmt.Errorf("mjpeg: %w", err)
	}
	frame, err := imageToI420(img)
	if err != nil {
		return err
	}
	frame.PTS = pkt.PTS
	frame.TimeBase = d.info.TimeBase
	d.out.push(frame)
	return nil
}

func (d *mjpegDecoder) ReceiveFrame() (*core.Frame, error) { return d.out.pop() }

func (d *mjpegDecoder) Close() error {
	d.out.close()
	return nil
}

func imageToI420(img image.Image) (*core.Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	frame := core.NewVideoFrame(core.PixelFormatI420, w, h)
	y, u, v := frame.Data[0], frame.Data[1], frame.Data[2]
	cw := frame.Stride[1]

	switch src := img.(type) {
	case *image.YCbCr:
		for row := 0; row < h; row++ {
			copy(y[row*w:(row+1)*w], src.Y[src.YOffset(b.Min.X, b.Min.Y+row):])
		}
		for row := 0; row < (h+1)/2; row++ {
			for col := 0; col < cw; col++ {
				ci := src.COffset(b.Min.X+2*col, b.Min.Y+2*row)
				u[row*cw+col] = src.Cb[ci]
				v[row*cw+col] = src.Cr[ci]
			}
		}
	case *image.Gray:
		for row := 0; row < h; row++ {
			copy(y[row*w:(row+1)*w], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+row):])
		}
		for i := range u {
			u[i], v[i] = 128, 128
		}
	default:
		return nil, fmt.Errorf("mjpeg: unsupported image type %T", img)
	}
	return frame, nil
}

type pcmDecoder struct {
	info   core.StreamInfo
	format core.SampleFormat
	out    queue[*core.Frame]
}

func newPCMDecoder(info core.StreamInfo) *pcmDecoder {
	format := core.SampleFormatS16
	if info.Codec == PCMF32LE {
		format = core.SampleFormatF32
	}
	return &pcmDecoder{info: info, format: format}
}

func (d *pcmDecoder) SendPacket(pkt *core.Packet) error {
	if err := d.out.accept(pkt == nil); err != nil || pkt == nil {
		return err
	}
	unit := d.format.BytesPerSample() * d.info.Layout.NumChannels()
	n := len(pkt.Data) / unit
	if n == 0 {
		return nil
	}
	frame := core.NewAudioFrame(d.format, d.info.Layout, d.info.SampleRate, n)
	copy(frame.Data[0], pkt.Data[:n*unit])
	frame.PTS = pkt.PTS
	frame.TimeBase = d.info.TimeBase
	d.out.push(frame)
	return nil
}

func (d *pcmDecoder) ReceiveFrame() (*core.Frame, error) { return d.out.pop() }

func (d *pcmDecoder) Close() error {
	d.out.close()
	return nil
}
