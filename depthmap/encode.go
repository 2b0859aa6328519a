package depthmap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/tiff"
)

// Depth export formats recognized by Encode.
const (
	FormatPNG  = "png"
	FormatTIFF = "tiff"
	FormatRaw  = "raw"
)

// EncodePNG serializes a normalized depth map as an 8-bit grayscale PNG.
// The encoding is lossless: DecodePNG reproduces the map bit-for-bit.
func EncodePNG(m *Map) ([]byte, error) {
	if m == nil || len(m.Pix) != m.Width*m.Height {
		return nil, errors.New("depthmap: malformed map")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, m.GrayImage()); err != nil {
		return nil, fmt.Errorf("depthmap: png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG parses a PNG produced by EncodePNG back into a Map.
func DecodePNG(data []byte) (*Map, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("depthmap: png decode: %w", err)
	}
	b := img.Bounds()
	m := &Map{Width: b.Dx(), Height: b.Dy(), Pix: make([]uint8, b.Dx()*b.Dy())}
	if gray, ok := img.(*image.Gray); ok && gray.Stride == m.Width && b.Min == (image.Point{}) {
		copy(m.Pix, gray.Pix)
		return m, nil
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// Luma conversion is exact for grayscale inputs.
			m.Pix[i] = uint8(((r + g + bl) / 3) >> 8)
			i++
		}
	}
	return m, nil
}

// EncodeTIFF16 serializes the raw field as a 16-bit grayscale TIFF with
// deflate compression, normalized to the full uint16 range. A field with no
// spread encodes as mid-range gray.
func EncodeTIFF16(f *Field) ([]byte, error) {
	if f == nil || len(f.Values) != f.Width*f.Height {
		return nil, errors.New("depthmap: malformed field")
	}
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	minV, maxV, ok := fieldRange(f)
	span := maxV - minV
	for i, v := range f.Values {
		var p uint16
		switch {
		case !ok || span == 0:
			p = 32768
		case !isFinite32(v):
			p = 0
		default:
			n := float64(v-minV) / float64(span)
			p = uint16(math.Min(n, 1) * 65535)
		}
		img.Pix[2*i] = uint8(p >> 8)
		img.Pix[2*i+1] = uint8(p)
	}
	var buf bytes.Buffer
	opts := &tiff.Options{Compression: tiff.Deflate}
	if err := tiff.Encode(&buf, img, opts); err != nil {
		return nil, fmt.Errorf("depthmap: tiff encode: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeRaw serializes the raw field as little-endian float32 values,
// row-major, with no header. Intended for downstream numeric tooling.
func EncodeRaw(f *Field) ([]byte, error) {
	if f == nil || len(f.Values) != f.Width*f.Height {
		return nil, errors.New("depthmap: malformed field")
	}
	buf := make([]byte, 4*len(f.Values))
	for i, v := range f.Values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf, nil
}
