package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/grebe/cache"
	"github.com/stevecastle/grebe/depthmap"
	"github.com/stevecastle/grebe/gdepth"
)

// uniformEstimator returns a constant depth field and counts invocations.
type uniformEstimator struct {
	value float32
	calls int
	err   error
}

func (e *uniformEstimator) EstimateDepth(ctx context.Context, img image.Image) (*depthmap.Field, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	b := img.Bounds()
	f := depthmap.NewField(b.Dx(), b.Dy())
	for i := range f.Values {
		f.Values[i] = e.value
	}
	return f, nil
}

func whiteJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func testCache(t *testing.T, ttl time.Duration) *cache.Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := cache.New(db, ttl)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return s
}

// TestProcessUniformDepth runs the whole pipeline on a white photo with a
// constant-depth estimator: the depth artifact must be solid mid-gray and the
// 3D photo a JPEG carrying a matching embedded depth map.
func TestProcessUniformDepth(t *testing.T) {
	est := &uniformEstimator{value: 5.0}
	p := New(est, nil, DefaultOptions())

	res, err := p.Process(context.Background(), "white.jpg", whiteJPEG(t, 100, 100))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Width != 100 || res.Height != 100 {
		t.Errorf("dimensions = %dx%d; want 100x100", res.Width, res.Height)
	}
	if res.DepthExt != ".png" {
		t.Errorf("DepthExt = %q; want .png", res.DepthExt)
	}

	m, err := depthmap.DecodePNG(res.DepthMap)
	if err != nil {
		t.Fatalf("DecodePNG() error = %v", err)
	}
	if m.Width != 100 || m.Height != 100 {
		t.Fatalf("depth map = %dx%d; want 100x100", m.Width, m.Height)
	}
	for i, px := range m.Pix {
		if px != 128 {
			t.Fatalf("Pix[%d] = %d; want 128 for a uniform field", i, px)
		}
	}

	photo, _, err := image.Decode(bytes.NewReader(res.Photo))
	if err != nil {
		t.Fatalf("3D photo does not decode: %v", err)
	}
	r, g, b, _ := photo.At(50, 50).RGBA()
	if r < 0xf000 || g < 0xf000 || b < 0xf000 {
		t.Errorf("photo center = (%d,%d,%d); want near-white", r>>8, g>>8, b>>8)
	}

	meta, err := gdepth.Extract(res.Photo)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if meta.Format != "RangeLinear" || meta.Mime != "image/png" {
		t.Errorf("embedded metadata = %q/%q; want RangeLinear/image/png", meta.Format, meta.Mime)
	}

	if len(res.Thumbnail) == 0 {
		t.Error("Thumbnail is empty")
	}
}

// TestProcessDuplicateUsesCache verifies that re-uploading identical bytes
// within the TTL reuses the cached result instead of running inference again.
func TestProcessDuplicateUsesCache(t *testing.T) {
	est := &uniformEstimator{value: 5.0}
	p := New(est, testCache(t, time.Hour), DefaultOptions())
	data := whiteJPEG(t, 64, 64)

	first, err := p.Process(context.Background(), "a.jpg", data)
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if first.CacheHit {
		t.Error("first Process() reported a cache hit")
	}

	second, err := p.Process(context.Background(), "copy-of-a.jpg", data)
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if !second.CacheHit {
		t.Error("second Process() missed the cache")
	}
	if est.calls != 1 {
		t.Errorf("estimator calls = %d; want 1", est.calls)
	}
	if !bytes.Equal(first.Photo, second.Photo) {
		t.Error("cached photo differs from the original result")
	}
	if first.Hash != second.Hash {
		t.Errorf("hashes differ: %s vs %s", first.Hash, second.Hash)
	}
}

// TestProcessErrorKinds checks the failure classification for bad inputs and
// inference failures.
func TestProcessErrorKinds(t *testing.T) {
	valid := whiteJPEG(t, 16, 16)

	// A PNG header with a truncated body: recognized, then fails decode.
	var truncated bytes.Buffer
	if err := png.Encode(&truncated, image.NewGray(image.Rect(0, 0, 32, 32))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	corrupt := truncated.Bytes()[:40]

	tests := []struct {
		name string
		data []byte
		est  *uniformEstimator
		want ErrorKind
	}{
		{"unsupported", []byte("not an image at all"), &uniformEstimator{value: 1}, KindUnsupportedFormat},
		{"corrupt", corrupt, &uniformEstimator{value: 1}, KindCorruptInput},
		{"inference", valid, &uniformEstimator{err: errors.New("model exploded")}, KindInference},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.est, nil, DefaultOptions())
			_, err := p.Process(context.Background(), tt.name+".bin", tt.data)
			if err == nil {
				t.Fatal("Process() succeeded; want error")
			}
			if got := Kind(err); got != tt.want {
				t.Errorf("Kind(err) = %q; want %q", got, tt.want)
			}
		})
	}
}

// TestProcessColormapAndFormats exercises the alternate artifact encodings.
func TestProcessColormapAndFormats(t *testing.T) {
	data := whiteJPEG(t, 32, 32)

	opts := DefaultOptions()
	opts.Colormap = "viridis"
	p := New(&uniformEstimator{value: 2}, nil, opts)
	res, err := p.Process(context.Background(), "v.jpg", data)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(res.DepthMap))
	if err != nil || format != "png" {
		t.Fatalf("colorized artifact decode = %q, %v; want png", format, err)
	}
	if _, ok := img.(*image.Gray); ok {
		t.Error("viridis artifact decoded as grayscale")
	}

	opts = DefaultOptions()
	opts.DepthFormat = depthmap.FormatRaw
	p = New(&uniformEstimator{value: 2}, nil, opts)
	res, err = p.Process(context.Background(), "r.jpg", data)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.DepthExt != ".raw" {
		t.Errorf("DepthExt = %q; want .raw", res.DepthExt)
	}
	if len(res.DepthMap) != 32*32*4 {
		t.Errorf("raw artifact size = %d; want %d", len(res.DepthMap), 32*32*4)
	}
}

// TestRunnerBatch verifies independent item outcomes and artifact files.
func TestRunnerBatch(t *testing.T) {
	dir := t.TempDir()
	est := &uniformEstimator{value: 5}
	r := NewRunner(New(est, nil, DefaultOptions()), dir, 2)

	var events int
	r.OnItem = func(b *Batch, it *Item) { events++ }

	inputs := []Input{
		{Filename: "good one.jpg", Data: whiteJPEG(t, 24, 24)},
		{Filename: "bad.txt", Data: []byte("plain text")},
	}
	b := r.NewBatch(inputs)
	if len(b.Items) != 2 || b.ID == "" {
		t.Fatalf("NewBatch() = %+v", b)
	}

	r.Run(context.Background(), b, inputs)

	items := b.Snapshot()
	if items[0].Status != StatusCompleted {
		t.Errorf("item 0 status = %s; want completed", items[0].Status)
	}
	if items[1].Status != StatusFailed {
		t.Errorf("item 1 status = %s; want failed", items[1].Status)
	}
	if items[1].Kind != string(KindUnsupportedFormat) {
		t.Errorf("item 1 kind = %q; want %q", items[1].Kind, KindUnsupportedFormat)
	}
	if events == 0 {
		t.Error("OnItem never fired")
	}

	depthFile := filepath.Join(dir, b.ID, "good_one_depth.png")
	if _, err := os.Stat(depthFile); err != nil {
		t.Errorf("depth artifact missing: %v", err)
	}
	photoFile := filepath.Join(dir, b.ID, "good_one_3d.jpg")
	if _, err := os.Stat(photoFile); err != nil {
		t.Errorf("3D photo missing: %v", err)
	}
}

// TestRunnerCancel verifies pending items are marked canceled once the
// context is done.
func TestRunnerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(New(&uniformEstimator{value: 1}, nil, DefaultOptions()), t.TempDir(), 1)
	inputs := []Input{
		{Filename: "a.jpg", Data: whiteJPEG(t, 8, 8)},
		{Filename: "b.jpg", Data: whiteJPEG(t, 8, 8)},
	}
	b := r.NewBatch(inputs)
	r.Run(ctx, b, inputs)

	for _, it := range b.Snapshot() {
		if it.Status != StatusCanceled {
			t.Errorf("%s status = %s; want canceled", it.Filename, it.Status)
		}
	}
}

func TestFileStem(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"photo.jpg", "photo"},
		{"dir/sub/photo.png", "photo"},
		{"with space & symbol!.webp", "with_space___symbol_"},
		{"no_ext", "no_ext"},
	}
	for _, tt := range tests {
		if got := fileStem(tt.in); got != tt.want {
			t.Errorf("fileStem(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
