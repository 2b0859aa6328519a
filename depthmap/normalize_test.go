package depthmap

import (
	"math"
	"testing"
)

func fieldOf(w, h int, values ...float32) *Field {
	f := NewField(w, h)
	copy(f.Values, values)
	return f
}

// TestNormalizeUniformField verifies that a field with no spread maps to
// constant mid-gray instead of dividing by zero.
func TestNormalizeUniformField(t *testing.T) {
	f := NewField(4, 3)
	for i := range f.Values {
		f.Values[i] = 5.0
	}

	for _, invert := range []bool{false, true} {
		opts := DefaultNormalizeOptions()
		opts.Invert = invert
		m, err := Normalize(f, opts)
		if err != nil {
			t.Fatalf("Normalize() error = %v", err)
		}
		for i, p := range m.Pix {
			if p != 128 {
				t.Fatalf("Pix[%d] = %d; want 128 (invert=%v)", i, p, invert)
			}
		}
	}
}

// TestNormalizeMinMax verifies per-image scaling endpoints.
func TestNormalizeMinMax(t *testing.T) {
	f := fieldOf(3, 1, 2.0, 6.0, 10.0)

	m, err := Normalize(f, DefaultNormalizeOptions())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if m.Pix[0] != 0 {
		t.Errorf("min pixel = %d; want 0", m.Pix[0])
	}
	if m.Pix[1] != 128 {
		t.Errorf("mid pixel = %d; want 128", m.Pix[1])
	}
	if m.Pix[2] != 255 {
		t.Errorf("max pixel = %d; want 255", m.Pix[2])
	}
}

// TestNormalizeFixedRange verifies monotonicity and clamping for the
// fixed_range policy.
func TestNormalizeFixedRange(t *testing.T) {
	f := fieldOf(5, 1, -10, 0, 50, 100, 500)

	opts := NormalizeOptions{Policy: PolicyFixedRange, RangeLo: 0, RangeHi: 100}
	m, err := Normalize(f, opts)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if m.Pix[0] != 0 {
		t.Errorf("below-range pixel = %d; want 0", m.Pix[0])
	}
	if m.Pix[4] != 255 {
		t.Errorf("above-range pixel = %d; want 255", m.Pix[4])
	}
	for i := 1; i < len(m.Pix); i++ {
		if m.Pix[i] < m.Pix[i-1] {
			t.Errorf("output not monotonic at index %d: %d < %d", i, m.Pix[i], m.Pix[i-1])
		}
	}
}

// TestNormalizeInvert verifies invert is an exact complement of the
// non-inverted mapping.
func TestNormalizeInvert(t *testing.T) {
	f := fieldOf(4, 1, 1.0, 2.5, 3.0, 9.0)

	plain, err := Normalize(f, DefaultNormalizeOptions())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	opts := DefaultNormalizeOptions()
	opts.Invert = true
	flipped, err := Normalize(f, opts)
	if err != nil {
		t.Fatalf("Normalize(invert) error = %v", err)
	}

	for i := range plain.Pix {
		if flipped.Pix[i] != 255-plain.Pix[i] {
			t.Errorf("Pix[%d]: invert = %d; want %d", i, flipped.Pix[i], 255-plain.Pix[i])
		}
	}
}

// TestNormalizeNonFinite verifies NaN/Inf values do not poison the range scan.
func TestNormalizeNonFinite(t *testing.T) {
	f := fieldOf(4, 1, float32(math.NaN()), 1.0, 3.0, float32(math.Inf(1)))

	m, err := Normalize(f, DefaultNormalizeOptions())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if m.Pix[1] != 0 || m.Pix[2] != 255 {
		t.Errorf("finite pixels = %d,%d; want 0,255", m.Pix[1], m.Pix[2])
	}
}

// TestNormalizeNearFarClipping verifies percentage clipping narrows the
// scaled window.
func TestNormalizeNearFarClipping(t *testing.T) {
	f := fieldOf(5, 1, 0, 25, 50, 75, 100)

	opts := DefaultNormalizeOptions()
	opts.NearPct = 25
	opts.FarPct = 75
	m, err := Normalize(f, opts)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	if m.Pix[0] != 0 || m.Pix[1] != 0 {
		t.Errorf("clipped near pixels = %d,%d; want 0,0", m.Pix[0], m.Pix[1])
	}
	if m.Pix[3] != 255 || m.Pix[4] != 255 {
		t.Errorf("clipped far pixels = %d,%d; want 255,255", m.Pix[3], m.Pix[4])
	}
	if m.Pix[2] != 128 {
		t.Errorf("window midpoint = %d; want 128", m.Pix[2])
	}
}

// TestNormalizeRejectsBadInput covers malformed fields and policies.
func TestNormalizeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		f    *Field
		opts NormalizeOptions
	}{
		{"nil field", nil, DefaultNormalizeOptions()},
		{"short values", &Field{Width: 2, Height: 2, Values: []float32{1}}, DefaultNormalizeOptions()},
		{"unknown policy", fieldOf(1, 1, 1), NormalizeOptions{Policy: "sigmoid"}},
		{"empty fixed range", fieldOf(1, 1, 1), NormalizeOptions{Policy: PolicyFixedRange, RangeLo: 5, RangeHi: 5}},
	}

	for _, tt := range tests {
		if _, err := Normalize(tt.f, tt.opts); err == nil {
			t.Errorf("%s: Normalize() succeeded; want error", tt.name)
		}
	}
}
