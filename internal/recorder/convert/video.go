// Package convert normalizes decoded frames into the canonical formats the
// composition graph works in.
package convert

import (
	"fmt"

	"github.com/babelcloud/avmerge/internal/recorder/core"
)

// NormalizeVideo converts src to format at width x height. Only I420 output
// is supported. The result carries src's timestamp.
func NormalizeVideo(src *core.Frame, format core.PixelFormat, width, height int) (*core.Frame, error) {
	if src == nil || src.Type != core.MediaTypeVideo {
		return nil, fmt.Errorf("normalize video: not a video frame")
	}
	if format != core.PixelFormatI420 {
		return nil, fmt.Errorf("normalize video: unsupported target format %s", format)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("normalize video: invalid target size %dx%d", width, height)
	}

	planar, err := toI420(src)
	if err != nil {
		return nil, err
	}
	if planar.Width == width && planar.Height == height {
		planar.PTS, planar.TimeBase = src.PTS, src.TimeBase
		return planar, nil
	}

	dst := core.NewVideoFrame(core.PixelFormatI420, width, height)
	for i := 0; i < 3; i++ {
		sw, sh := planar.Width, planar.Height
		dw, dh := width, height
		if i > 0 {
			sw, sh = (sw+1)/2, (sh+1)/2
			dw, dh = (dw+1)/2, (dh+1)/2
		}
		scalePlane(dst.Data[i], dst.Stride[i], dw, dh, planar.Data[i], planar.Stride[i], sw, sh)
	}
	dst.PTS, dst.TimeBase = src.PTS, src.TimeBase
	return dst, nil
}

// scalePlane resamples one 8-bit plane with bilinear interpolation using
// 16.16 fixed point so results do not depend on float rounding.
func scalePlane(dst []byte, dstStride, dw, dh int, src []byte, srcStride, sw, sh int) {
	if sw == 0 || sh == 0 {
		return
	}
	xStep := (sw << 16) / dw
	yStep := (sh << 16) / dh
	for y := 0; y < dh; y++ {
		// Sample at pixel centres.
		fy := y*yStep + yStep/2 - 1<<15
		if fy < 0 {
			fy = 0
		}
		y0 := fy >> 16
		y1 := y0 + 1
		if y1 >= sh {
			y1 = sh - 1
		}
		wy := fy & 0xffff
		row0 := src[y0*srcStride:]
		row1 := src[y1*srcStride:]
		out := dst[y*dstStride:]
		for x := 0; x < dw; x++ {
			fx := x*xStep + xStep/2 - 1<<15
			if fx < 0 {
				fx = 0
			}
			x0 := fx >> 16
			x1 := x0 + 1
			if x1 >= sw {
				x1 = sw - 1
			}
			wx := fx & 0xffff
			top := int(row0[x0])*(0x10000-wx) + int(row0[x1])*wx
			bot := int(row1[x0])*(0x10000-wx) + int(row1[x1])*wx
			v := (top>>16)*(0x10000-wy) + (bot>>16)*wy
			out[x] = byte((v + 0x8000) >> 16)
		}
	}
}

// toI420 unpacks any supported input layout into planar 4:2:0 at the
// source size.
func toI420(src *core.Frame) (*core.Frame, error) {
	w, h := src.Width, src.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("normalize video: invalid source size %dx%d", w, h)
	}
	dst := core.NewVideoFrame(core.PixelFormatI420, w, h)
	y, u, v := dst.Data[0], dst.Data[1], dst.Data[2]
	cw, ch := (w+1)/2, (h+1)/2

	switch src.PixelFormat {
	case core.PixelFormatI420:
		for i := 0; i < 3; i++ {
			pw, ph := w, h
			if i > 0 {
				pw, ph = cw, ch
			}
			for row := 0; row < ph; row++ {
				copy(dst.Data[i][row*dst.Stride[i]:row*dst.Stride[i]+pw], src.Data[i][row*src.Stride[i]:])
			}
		}

	case core.PixelFormatNV12:
		for row := 0; row < h; row++ {
			copy(y[row*w:(row+1)*w], src.Data[0][row*src.Stride[0]:])
		}
		for row := 0; row < ch; row++ {
			line := src.Data[1][row*src.Stride[1]:]
			for col := 0; col < cw; col++ {
				u[row*cw+col] = line[2*col]
				v[row*cw+col] = line[2*col+1]
			}
		}

	case core.PixelFormatUYVY422, core.PixelFormatYUYV422:
		// byte offsets of Y0, U, Y1, V inside each 4-byte macropixel
		yo, uo, y1o, vo := 1, 0, 3, 2
		if src.PixelFormat == core.PixelFormatYUYV422 {
			yo, uo, y1o, vo = 0, 1, 2, 3
		}
		stride := src.Stride[0]
		for row := 0; row < h; row++ {
			line := src.Data[0][row*stride:]
			for col := 0; col < w; col++ {
				off := (col / 2) * 4
				if col%2 == 0 {
					y[row*w+col] = line[off+yo]
				} else {
					y[row*w+col] = line[off+y1o]
				}
			}
		}
		for row := 0; row < ch; row++ {
			l0 := src.Data[0][2*row*stride:]
			l1 := l0
			if 2*row+1 < h {
				l1 = src.Data[0][(2*row+1)*stride:]
			}
			for col := 0; col < cw; col++ {
				off := col * 4
				u[row*cw+col] = byte((int(l0[off+uo]) + int(l1[off+uo]) + 1) / 2)
				v[row*cw+col] = byte((int(l0[off+vo]) + int(l1[off+vo]) + 1) / 2)
			}
		}

	case core.PixelFormatRGBA, core.PixelFormatBGRA, core.PixelFormatRGB24:
		bpp, ro, bo := 4, 0, 2
		switch src.PixelFormat {
		case core.PixelFormatBGRA:
			ro, bo = 2, 0
		case core.PixelFormatRGB24:
			bpp = 3
		}
		stride := src.Stride[0]
		rgbAt := func(col, row int) (int, int, int) {
			p := src.Data[0][row*stride+col*bpp:]
			return int(p[ro]), int(p[1]), int(p[bo])
		}
		for row := 0; row < h; row++ {
			for col := 0; col < w; col++ {
				r, g, b := rgbAt(col, row)
				y[row*w+col] = byte(((66*r + 129*g + 25*b + 128) >> 8) + 16)
			}
		}
		for row := 0; row < ch; row++ {
			for col := 0; col < cw; col++ {
				var r, g, b, n int
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						sx, sy := 2*col+dx, 2*row+dy
						if sx >= w || sy >= h {
							continue
						}
						pr, pg, pb := rgbAt(sx, sy)
						r, g, b, n = r+pr, g+pg, b+pb, n+1
					}
				}
				r, g, b = r/n, g/n, b/n
				u[row*cw+col] = byte(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
				v[row*cw+col] = byte(((112*r - 94*g - 18*b + 128) >> 8) + 128)
			}
		}

	default:
		return nil, fmt.Errorf("normalize video: unsupported source format %s", src.PixelFormat)
	}
	return dst, nil
}
