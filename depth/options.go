// Package depth runs monocular depth estimation with Depth-Anything-V2 ONNX
// models through ONNX Runtime. The estimator is an explicit resource handle:
// one loaded model, one inference in flight at a time, with an explicit
// Close. Non-CGO builds get a stub that reports ErrCGORequired.
package depth

import (
	"fmt"
	"os"
	"path/filepath"
)

// Variant selects the model size. Larger encoders are more accurate but
// slower and hungrier for device memory.
type Variant string

const (
	VariantSmall Variant = "small" // vits encoder
	VariantBase  Variant = "base"  // vitb encoder
	VariantLarge Variant = "large" // vitl encoder
)

// Encoder returns the Depth-Anything encoder name for the variant.
func (v Variant) Encoder() (string, error) {
	switch v {
	case VariantSmall:
		return "vits", nil
	case VariantBase:
		return "vitb", nil
	case VariantLarge:
		return "vitl", nil
	}
	return "", fmt.Errorf("depth: unknown model variant %q", v)
}

// ModelFileName returns the expected ONNX file name for the variant.
func (v Variant) ModelFileName() (string, error) {
	enc, err := v.Encoder()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("depth_anything_v2_%s.onnx", enc), nil
}

// Options configures how the estimator runs.
type Options struct {
	// Path to the ONNX model file.
	ModelPath string

	// Path to the onnxruntime shared library (.dll/.so/.dylib). If empty,
	// the environment variable ONNXRUNTIME_SHARED_LIBRARY_PATH is respected.
	ORTSharedLibraryPath string

	// Input and output tensor names in the model graph.
	InputName  string
	OutputName string

	// InputSize is the square side the image is resized to before inference.
	// Depth-Anything-V2 uses 518 (a multiple of the ViT patch size).
	InputSize int

	// ImageNet normalization applied after scaling pixels to [0,1].
	NormalizeMeanRGB   [3]float32
	NormalizeStddevRGB [3]float32
}

// DefaultOptions returns the configuration the exported Depth-Anything-V2
// models expect.
func DefaultOptions() Options {
	return Options{
		InputName:          "image",
		OutputName:         "depth",
		InputSize:          518,
		NormalizeMeanRGB:   [3]float32{0.485, 0.456, 0.406},
		NormalizeStddevRGB: [3]float32{0.229, 0.224, 0.225},
	}
}

// OptionsForVariant resolves the model file for a variant inside modelsDir.
func OptionsForVariant(modelsDir string, v Variant) (Options, error) {
	name, err := v.ModelFileName()
	if err != nil {
		return Options{}, err
	}
	opts := DefaultOptions()
	opts.ModelPath = filepath.Join(modelsDir, name)
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return Options{}, fmt.Errorf("depth: model for variant %q not installed at %s: %w", v, opts.ModelPath, err)
	}
	return opts, nil
}
