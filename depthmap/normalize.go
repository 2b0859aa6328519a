// Package depthmap converts raw depth estimates into displayable 8-bit depth
// maps and serializes them in the formats the studio exports.
package depthmap

import (
	"errors"
	"fmt"
	"math"
)

// Normalization policy names accepted in NormalizeOptions.Policy.
const (
	PolicyMinMax     = "per_image_minmax"
	PolicyFixedRange = "fixed_range"
)

// Field is a single-channel depth estimate produced by the inference adapter.
// Values is row-major with len == Width*Height. The pipeline treats it as an
// opaque array; values are unbounded relative depths.
type Field struct {
	Width  int
	Height int
	Values []float32
}

// NewField allocates a zeroed field of the given dimensions.
func NewField(width, height int) *Field {
	return &Field{
		Width:  width,
		Height: height,
		Values: make([]float32, width*height),
	}
}

// At returns the depth value at (x, y).
func (f *Field) At(x, y int) float32 {
	return f.Values[y*f.Width+x]
}

// Map is a normalized 8-bit depth map. Every pixel is in [0,255] and is
// monotonic with respect to the source field under the chosen direction.
type Map struct {
	Width  int
	Height int
	Pix    []uint8
}

// NormalizeOptions selects how raw depth values are mapped to [0,255].
type NormalizeOptions struct {
	// Policy is PolicyMinMax or PolicyFixedRange.
	Policy string

	// RangeLo and RangeHi bound the fixed_range policy. Values outside the
	// range clamp to 0 and 255 respectively. Ignored for per_image_minmax.
	RangeLo float32
	RangeHi float32

	// Invert flips the mapping after scaling (near=bright vs near=dark).
	Invert bool

	// NearPct and FarPct clip the field to a percentage window of its own
	// min/max range before scaling. 0 and 100 mean no clipping. Only
	// meaningful for per_image_minmax.
	NearPct int
	FarPct  int
}

// DefaultNormalizeOptions returns the per-image min/max policy with no
// inversion or clipping.
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{
		Policy:  PolicyMinMax,
		NearPct: 0,
		FarPct:  100,
	}
}

func isFinite32(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// fieldRange scans for the finite min/max of a field. ok is false when the
// field contains no finite values.
func fieldRange(f *Field) (minV, maxV float32, ok bool) {
	minV = float32(math.Inf(1))
	maxV = float32(math.Inf(-1))
	for _, v := range f.Values {
		if !isFinite32(v) {
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if !isFinite32(minV) || !isFinite32(maxV) {
		return 0, 0, false
	}
	return minV, maxV, true
}

// Normalize maps a depth field to an 8-bit depth map per the configured
// policy. A field with no spread (min == max, or entirely non-finite values)
// produces a constant mid-gray map rather than dividing by zero.
func Normalize(f *Field, opts NormalizeOptions) (*Map, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, errors.New("depthmap: empty field")
	}
	if len(f.Values) != f.Width*f.Height {
		return nil, fmt.Errorf("depthmap: field has %d values, want %d", len(f.Values), f.Width*f.Height)
	}

	var lo, hi float32
	switch opts.Policy {
	case PolicyMinMax, "":
		minV, maxV, ok := fieldRange(f)
		if !ok || minV == maxV {
			return constantMap(f.Width, f.Height, 128), nil
		}
		lo, hi = minV, maxV
		// Optional near/far percentage clipping within the field's own range.
		nearPct, farPct := opts.NearPct, opts.FarPct
		if farPct == 0 {
			farPct = 100
		}
		if nearPct > 0 || farPct < 100 {
			span := hi - lo
			clipLo := lo + span*float32(nearPct)/100
			clipHi := lo + span*float32(farPct)/100
			if clipLo < clipHi {
				lo, hi = clipLo, clipHi
			}
		}
	case PolicyFixedRange:
		if opts.RangeLo >= opts.RangeHi {
			return nil, fmt.Errorf("depthmap: fixed range [%g,%g] is empty", opts.RangeLo, opts.RangeHi)
		}
		lo, hi = opts.RangeLo, opts.RangeHi
	default:
		return nil, fmt.Errorf("depthmap: unknown normalization policy %q", opts.Policy)
	}

	m := &Map{Width: f.Width, Height: f.Height, Pix: make([]uint8, len(f.Values))}
	scale := 255 / (hi - lo)
	for i, v := range f.Values {
		var p uint8
		switch {
		case !isFinite32(v):
			p = 0
		case v <= lo:
			p = 0
		case v >= hi:
			p = 255
		default:
			p = uint8((v-lo)*scale + 0.5)
		}
		if opts.Invert {
			p = 255 - p
		}
		m.Pix[i] = p
	}
	return m, nil
}

func constantMap(w, h int, v uint8) *Map {
	m := &Map{Width: w, Height: h, Pix: make([]uint8, w*h)}
	for i := range m.Pix {
		m.Pix[i] = v
	}
	return m
}
