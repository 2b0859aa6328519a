// Package pipeline turns uploaded photos into depth-map artifacts and GDepth
// 3D photos: decode, infer depth, normalize, encode, embed, cache. One
// invocation per image; a batch is N invocations sharing one estimator.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	// Register the raster decoders accepted for uploads.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"

	"github.com/stevecastle/grebe/cache"
	"github.com/stevecastle/grebe/depthmap"
	"github.com/stevecastle/grebe/gdepth"
	"github.com/stevecastle/grebe/metrics"
)

// DepthEstimator is the inference collaborator contract: pixel grid in,
// depth field of the same dimensions out. Implementations may be slow
// (seconds) and are expected to serialize access to their own loaded model.
type DepthEstimator interface {
	EstimateDepth(ctx context.Context, img image.Image) (*depthmap.Field, error)
}

// thumbnailSide bounds the preview thumbnail for the result gallery.
const thumbnailSide = 320

// Options configures a pipeline run. Zero values fall back to studio
// defaults.
type Options struct {
	Normalize   depthmap.NormalizeOptions
	Colormap    string // depth artifact colormap; grayscale keeps exact round-trip
	DepthFormat string // depthmap.FormatPNG, FormatTIFF, or FormatRaw
	JPEGQuality int    // baseline quality for the 3D photo
}

// DefaultOptions mirrors the application's default settings.
func DefaultOptions() Options {
	return Options{
		Normalize:   depthmap.DefaultNormalizeOptions(),
		Colormap:    depthmap.ColormapGrayscale,
		DepthFormat: depthmap.FormatPNG,
		JPEGQuality: 95,
	}
}

// Result is the finished output for one batch item.
type Result struct {
	Filename  string
	Hash      string // cache key: SHA-256 of the raw upload bytes
	Width     int
	Height    int
	DepthMap  []byte // encoded depth artifact (<stem>_depth.<ext>)
	DepthExt  string // ".png", ".tiff", or ".raw"
	Photo     []byte // GDepth 3D photo (<stem>_3d.jpg)
	Thumbnail []byte // small JPEG preview for the gallery
	CacheHit  bool
	Elapsed   time.Duration
}

// Pipeline binds an estimator, an optional result cache, and run options.
type Pipeline struct {
	estimator DepthEstimator
	store     *cache.Store // nil disables memoization
	opts      Options
}

// New assembles a pipeline. store may be nil, in which case every upload is
// computed fresh.
func New(estimator DepthEstimator, store *cache.Store, opts Options) *Pipeline {
	if opts.DepthFormat == "" {
		opts.DepthFormat = depthmap.FormatPNG
	}
	if opts.Colormap == "" {
		opts.Colormap = depthmap.ColormapGrayscale
	}
	return &Pipeline{estimator: estimator, store: store, opts: opts}
}

// Process runs the full pipeline for a single uploaded image. All failures
// come back as *Error with the filename and stage kind attached; a failure
// never affects other items in the batch.
func (p *Pipeline) Process(ctx context.Context, filename string, data []byte) (*Result, error) {
	start := time.Now()

	img, err := decodeImage(filename, data)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()

	res := &Result{
		Filename: filename,
		Hash:     cache.HashBytes(data),
		Width:    b.Dx(),
		Height:   b.Dy(),
		DepthExt: artifactExt(p.opts.DepthFormat),
	}

	compute := func() (*cache.Entry, error) {
		return p.compute(ctx, filename, img, data)
	}

	if p.store != nil {
		entry, hit, err := p.store.GetOrCompute(ctx, res.Hash, compute)
		if err != nil {
			return nil, err
		}
		res.DepthMap = entry.DepthMap
		res.Photo = entry.Photo
		res.CacheHit = hit
		if hit {
			metrics.CacheHits.Inc()
		} else {
			metrics.CacheMisses.Inc()
		}
	} else {
		entry, err := compute()
		if err != nil {
			return nil, err
		}
		res.DepthMap = entry.DepthMap
		res.Photo = entry.Photo
	}

	res.Thumbnail, err = encodeThumbnail(img)
	if err != nil {
		return nil, itemError(KindEncoding, filename, err)
	}

	res.Elapsed = time.Since(start)
	metrics.ItemsProcessed.Inc()
	return res, nil
}

// compute is the uncached body of the pipeline: inference through embedding.
func (p *Pipeline) compute(ctx context.Context, filename string, img image.Image, original []byte) (*cache.Entry, error) {
	inferStart := time.Now()
	field, err := p.estimator.EstimateDepth(ctx, img)
	if err != nil {
		return nil, itemError(KindInference, filename, err)
	}
	metrics.InferenceDuration.Observe(time.Since(inferStart).Seconds())

	normalized, err := depthmap.Normalize(field, p.opts.Normalize)
	if err != nil {
		return nil, itemError(KindEncoding, filename, err)
	}

	artifact, err := p.encodeDepthArtifact(field, normalized)
	if err != nil {
		return nil, itemError(KindEncoding, filename, err)
	}

	embedOpts := gdepth.DefaultOptions()
	embedOpts.Quality = p.opts.JPEGQuality
	photo, err := gdepth.Embed(img, original, normalized, embedOpts)
	if err != nil {
		return nil, itemError(KindEmbedding, filename, err)
	}

	return &cache.Entry{DepthMap: artifact, Photo: photo}, nil
}

// encodeDepthArtifact serializes the standalone depth artifact in the
// configured export format.
func (p *Pipeline) encodeDepthArtifact(field *depthmap.Field, normalized *depthmap.Map) ([]byte, error) {
	switch p.opts.DepthFormat {
	case depthmap.FormatTIFF:
		return depthmap.EncodeTIFF16(field)
	case depthmap.FormatRaw:
		return depthmap.EncodeRaw(field)
	case depthmap.FormatPNG, "":
		if p.opts.Colormap == depthmap.ColormapGrayscale {
			return depthmap.EncodePNG(normalized)
		}
		colored, err := depthmap.Colorize(normalized, p.opts.Colormap)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, colored, imaging.PNG); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown depth export format %q", p.opts.DepthFormat)
}

// artifactExt maps the export format to the artifact file extension.
func artifactExt(format string) string {
	switch format {
	case depthmap.FormatTIFF:
		return ".tiff"
	case depthmap.FormatRaw:
		return ".raw"
	default:
		return ".png"
	}
}

// decodeImage sniffs and decodes an upload, classifying failures as
// unsupported format vs corrupt container.
func decodeImage(filename string, data []byte) (image.Image, error) {
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == image.ErrFormat {
		return nil, itemError(KindUnsupportedFormat, filename, err)
	}
	if err != nil {
		return nil, itemError(KindCorruptInput, filename, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Header parsed but the body is truncated or malformed.
		return nil, itemError(KindCorruptInput, filename, err)
	}
	return img, nil
}

// encodeThumbnail renders the gallery preview.
func encodeThumbnail(img image.Image) ([]byte, error) {
	thumb := imaging.Fit(img, thumbnailSide, thumbnailSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
