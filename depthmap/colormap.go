package depthmap

import (
	"fmt"
	"image"
	"image/color"
	"sort"
)

// Colormap names accepted by Colorize.
const (
	ColormapGrayscale = "grayscale"
	ColormapViridis   = "viridis"
	ColormapPlasma    = "plasma"
	ColormapInferno   = "inferno"
	ColormapTurbo     = "turbo"
	ColormapHeat      = "heat"
)

// anchor is a control point for a gradient colormap.
type anchor struct {
	pos     float64
	r, g, b uint8
}

// Anchor tables sampled from the matplotlib colormaps of the same name.
// Intermediate entries are linearly interpolated, which is close enough for
// visualization purposes.
var gradients = map[string][]anchor{
	ColormapViridis: {
		{0.0, 68, 1, 84},
		{0.25, 59, 82, 139},
		{0.5, 33, 145, 140},
		{0.75, 94, 201, 98},
		{1.0, 253, 231, 37},
	},
	ColormapPlasma: {
		{0.0, 13, 8, 135},
		{0.25, 126, 3, 168},
		{0.5, 204, 71, 120},
		{0.75, 248, 149, 64},
		{1.0, 240, 249, 33},
	},
	ColormapInferno: {
		{0.0, 0, 0, 4},
		{0.25, 87, 16, 110},
		{0.5, 188, 55, 84},
		{0.75, 249, 142, 9},
		{1.0, 252, 255, 164},
	},
	ColormapTurbo: {
		{0.0, 48, 18, 59},
		{0.2, 62, 156, 254},
		{0.4, 27, 229, 181},
		{0.6, 165, 252, 59},
		{0.8, 251, 154, 6},
		{1.0, 122, 4, 3},
	},
	// Blue -> cyan -> green -> yellow -> red, as the original heatmap view.
	ColormapHeat: {
		{0.0, 0, 0, 255},
		{0.25, 0, 255, 255},
		{0.5, 0, 255, 0},
		{0.75, 255, 255, 0},
		{1.0, 255, 0, 0},
	},
}

// ColormapNames returns the supported colormap names, grayscale first.
func ColormapNames() []string {
	names := []string{ColormapGrayscale}
	var rest []string
	for name := range gradients {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// lut builds a 256-entry lookup table for a gradient.
func lut(anchors []anchor) [256]color.RGBA {
	var table [256]color.RGBA
	for i := 0; i < 256; i++ {
		pos := float64(i) / 255
		// Find the surrounding anchors.
		hi := 1
		for hi < len(anchors)-1 && anchors[hi].pos < pos {
			hi++
		}
		a, b := anchors[hi-1], anchors[hi]
		t := 0.0
		if b.pos > a.pos {
			t = (pos - a.pos) / (b.pos - a.pos)
		}
		table[i] = color.RGBA{
			R: uint8(float64(a.r) + t*(float64(b.r)-float64(a.r)) + 0.5),
			G: uint8(float64(a.g) + t*(float64(b.g)-float64(a.g)) + 0.5),
			B: uint8(float64(a.b) + t*(float64(b.b)-float64(a.b)) + 0.5),
			A: 255,
		}
	}
	return table
}

// Colorize renders a normalized depth map with the named colormap. Grayscale
// returns an *image.Gray sharing the map's pixel layout; gradient maps return
// an *image.RGBA.
func Colorize(m *Map, name string) (image.Image, error) {
	if name == "" || name == ColormapGrayscale {
		return m.GrayImage(), nil
	}
	anchors, ok := gradients[name]
	if !ok {
		return nil, fmt.Errorf("depthmap: unknown colormap %q", name)
	}
	table := lut(anchors)
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			img.SetRGBA(x, y, table[m.Pix[y*m.Width+x]])
		}
	}
	return img, nil
}

// GrayImage wraps the map's pixels as an *image.Gray without copying.
func (m *Map) GrayImage() *image.Gray {
	return &image.Gray{
		Pix:    m.Pix,
		Stride: m.Width,
		Rect:   image.Rect(0, 0, m.Width, m.Height),
	}
}
