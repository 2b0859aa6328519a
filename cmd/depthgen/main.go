// depthgen runs the depth pipeline headless over a list of image files,
// writing depth maps and GDepth 3D photos without the studio server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"

	"github.com/stevecastle/grebe/appconfig"
	"github.com/stevecastle/grebe/depth"
	"github.com/stevecastle/grebe/depthmap"
	"github.com/stevecastle/grebe/models"
	"github.com/stevecastle/grebe/pipeline"
)

func main() {
	modelsDir := flag.String("models", appconfig.DefaultModelPath(), "directory holding ONNX model files and the runtime library")
	variant := flag.String("variant", "small", "model variant: small|base|large")
	outDir := flag.String("out", "artifacts", "output directory; results land in <out>/<batch-id>/")
	policy := flag.String("policy", "per_image_minmax", "normalization policy: per_image_minmax|fixed_range")
	rangeLo := flag.Float64("range-lo", 0, "lower bound for fixed_range")
	rangeHi := flag.Float64("range-hi", 1, "upper bound for fixed_range")
	invert := flag.Bool("invert", false, "invert depth so near is bright")
	nearPct := flag.Int("near-pct", 0, "near percentile clip (0..49)")
	farPct := flag.Int("far-pct", 0, "far percentile clip (51..100, 0 disables)")
	colormap := flag.String("colormap", "grayscale", "depth artifact colormap")
	format := flag.String("format", "png", "depth artifact format: png|tiff|raw")
	quality := flag.Int("quality", 95, "3D photo JPEG quality (1-100)")
	workers := flag.Int("workers", 2, "concurrent pipeline workers")
	ortArchive := flag.String("ort-archive", "", "install the ONNX Runtime library from a local release archive (zip, 7z, or tar.gz) before running")
	flag.Parse()

	if *ortArchive != "" {
		if err := models.InstallRuntimeArchive(*modelsDir, *ortArchive, nil); err != nil {
			fmt.Fprintln(os.Stderr, "depthgen:", err)
			os.Exit(1)
		}
		fmt.Printf("installed ONNX Runtime from %s\n", *ortArchive)
	}

	files := flag.Args()
	if len(files) == 0 {
		if *ortArchive != "" {
			return
		}
		fmt.Fprintln(os.Stderr, "usage: depthgen [flags] <image> [image ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := pipeline.Options{
		Normalize: depthmap.NormalizeOptions{
			Policy:  *policy,
			RangeLo: float32(*rangeLo),
			RangeHi: float32(*rangeHi),
			Invert:  *invert,
			NearPct: *nearPct,
			FarPct:  *farPct,
		},
		Colormap:    *colormap,
		DepthFormat: *format,
		JPEGQuality: *quality,
	}

	if err := run(ctx, *modelsDir, *variant, *outDir, opts, *workers, files); err != nil {
		fmt.Fprintln(os.Stderr, "depthgen:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, modelsDir, variant, outDir string, opts pipeline.Options, workers int, files []string) error {
	v := depth.Variant(variant)
	st, err := models.Check(modelsDir, v)
	if err != nil {
		return err
	}
	if !st.ModelInstalled || !st.RuntimePresent {
		return fmt.Errorf("model %s not installed under %s; download it from the studio UI first", variant, modelsDir)
	}

	estOpts, err := depth.OptionsForVariant(modelsDir, v)
	if err != nil {
		return err
	}
	if p := models.RuntimeLibPath(modelsDir); fileExists(p) {
		estOpts.ORTSharedLibraryPath = p
	}
	est, err := depth.NewEstimator(estOpts)
	if err != nil {
		return err
	}
	defer est.Close()

	var inputs []pipeline.Input
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		inputs = append(inputs, pipeline.Input{Filename: filepath.Base(path), Data: data})
	}

	runner := pipeline.NewRunner(pipeline.New(est, nil, opts), outDir, workers)
	var failed atomic.Int64
	runner.OnItem = func(b *pipeline.Batch, it *pipeline.Item) {
		switch it.Status {
		case pipeline.StatusCompleted:
			fmt.Printf("ok   %-30s -> %s, %s\n", it.Filename, it.DepthPath, it.PhotoPath)
		case pipeline.StatusFailed:
			failed.Add(1)
			fmt.Printf("FAIL %-30s %s: %s\n", it.Filename, it.Kind, it.Error)
		case pipeline.StatusCanceled:
			fmt.Printf("skip %-30s canceled\n", it.Filename)
		}
	}

	batch := runner.NewBatch(inputs)
	runner.Run(ctx, batch, inputs)

	fmt.Printf("batch %s: %d file(s), %d failed\n", batch.ID, len(inputs), failed.Load())
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d item(s) failed", n)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
