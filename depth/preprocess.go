package depth

import (
	"errors"
	"image"
	"image/color"

	resize "github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/stevecastle/grebe/depthmap"
)

// imageToTensor flattens transparency over white, resizes to the model input
// square with bicubic resampling (matching the PIL-based reference pipeline),
// and emits normalized float32 NCHW data.
func imageToTensor(img image.Image, opts Options) ([]float32, error) {
	if opts.InputSize <= 0 {
		return nil, errors.New("depth: invalid input size")
	}

	b := img.Bounds()
	whiteBG := image.NewRGBA(b)
	draw.Draw(whiteBG, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(whiteBG, b, img, b.Min, draw.Over)

	side := uint(opts.InputSize)
	dst := resize.Resize(side, side, whiteBG, resize.Bicubic)

	stdR := opts.NormalizeStddevRGB[0]
	stdG := opts.NormalizeStddevRGB[1]
	stdB := opts.NormalizeStddevRGB[2]
	if stdR == 0 {
		stdR = 1
	}
	if stdG == 0 {
		stdG = 1
	}
	if stdB == 0 {
		stdB = 1
	}

	numPixels := opts.InputSize * opts.InputSize
	data := make([]float32, 3*numPixels)
	rOff := 0
	gOff := numPixels
	bOff := 2 * numPixels
	idx := 0
	for y := 0; y < opts.InputSize; y++ {
		for x := 0; x < opts.InputSize; x++ {
			c := color.RGBAModel.Convert(dst.At(x, y)).(color.RGBA)
			r := float32(c.R) / 255.0
			g := float32(c.G) / 255.0
			bl := float32(c.B) / 255.0
			data[rOff+idx] = (r - opts.NormalizeMeanRGB[0]) / stdR
			data[gOff+idx] = (g - opts.NormalizeMeanRGB[1]) / stdG
			data[bOff+idx] = (bl - opts.NormalizeMeanRGB[2]) / stdB
			idx++
		}
	}
	return data, nil
}

// resizeField bilinearly resamples a depth field to the requested size, used
// to bring the model-resolution output back to the source image dimensions.
func resizeField(f *depthmap.Field, width, height int) *depthmap.Field {
	if f.Width == width && f.Height == height {
		return f
	}
	out := depthmap.NewField(width, height)
	sx := float64(f.Width) / float64(width)
	sy := float64(f.Height) / float64(height)
	for y := 0; y < height; y++ {
		srcY := (float64(y)+0.5)*sy - 0.5
		y0 := int(srcY)
		if y0 < 0 {
			y0 = 0
		}
		y1 := y0 + 1
		if y1 >= f.Height {
			y1 = f.Height - 1
		}
		fy := float32(srcY - float64(y0))
		if fy < 0 {
			fy = 0
		}
		for x := 0; x < width; x++ {
			srcX := (float64(x)+0.5)*sx - 0.5
			x0 := int(srcX)
			if x0 < 0 {
				x0 = 0
			}
			x1 := x0 + 1
			if x1 >= f.Width {
				x1 = f.Width - 1
			}
			fx := float32(srcX - float64(x0))
			if fx < 0 {
				fx = 0
			}
			top := f.At(x0, y0)*(1-fx) + f.At(x1, y0)*fx
			bot := f.At(x0, y1)*(1-fx) + f.At(x1, y1)*fx
			out.Values[y*width+x] = top*(1-fy) + bot*fy
		}
	}
	return out
}
