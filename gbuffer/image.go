package gbuffer

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Decode converts the bytes of a buffer copied out with rowPitch into an
// 8-bit image for inspection.
//
// Display bytes are used as-is. Float buffers are clamped and gamma encoded;
// normals are first remapped from [-1,1] to [0,1].
func Decode(name Name, data []byte, width, height, rowPitch uint32) (*image.RGBA, error) {
	bpp := name.BytesPerPixel()
	if rowPitch < width*bpp {
		return nil, fmt.Errorf("gbuffer: row pitch %d too small for %d x %s", rowPitch, width, name)
	}
	if need := uint64(rowPitch)*uint64(height-1) + uint64(width*bpp); height > 0 && uint64(len(data)) < need {
		return nil, fmt.Errorf("gbuffer: %s needs %d bytes, have %d", name, need, len(data))
	}

	img := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	for y := uint32(0); y < height; y++ {
		row := data[y*rowPitch:]
		dst := img.Pix[int(y)*img.Stride:]
		if name == Display {
			copy(dst[:width*4], row[:width*4])
			continue
		}
		for x := uint32(0); x < width; x++ {
			px := row[x*16:]
			for c := range 4 {
				v := math.Float32frombits(binary.LittleEndian.Uint32(px[c*4:]))
				dst[x*4+uint32(c)] = encodeChannel(name, c, v)
			}
		}
	}
	return img, nil
}

func encodeChannel(name Name, channel int, v float32) uint8 {
	if channel == 3 {
		return toByte(v)
	}
	if name == Normal {
		return toByte(v*0.5 + 0.5)
	}
	if v <= 0 || v != v {
		return 0
	}
	return toByte(float32(math.Pow(float64(v), 1/2.2)))
}

func toByte(v float32) uint8 {
	switch {
	case !(v > 0):
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

// Thumbnail scales src so its longer side is at most maxSize pixels.
// Images already small enough are copied unscaled.
func Thumbnail(src image.Image, maxSize int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSize > 0 && (w > maxSize || h > maxSize) {
		if w >= h {
			h = max(1, h*maxSize/w)
			w = maxSize
		} else {
			w = max(1, w*maxSize/h)
			h = maxSize
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
