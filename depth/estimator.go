//go:build cgo
// +build cgo

package depth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/stevecastle/grebe/depthmap"
)

var (
	envMu    sync.Mutex
	envCount int
)

// acquireEnvironment initializes the ONNX Runtime environment for the first
// estimator and reference-counts it for the rest.
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envCount == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return err
		}
	}
	envCount++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envCount--
	if envCount == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// Estimator wraps one loaded depth model. It is a mutually-exclusive
// resource: the internal mutex admits a single inference at a time so
// concurrent batch items cannot contend for device memory.
type Estimator struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	opts    Options
	closed  bool
}

// NewEstimator loads the model at opts.ModelPath. The caller owns the handle
// and must Close it.
func NewEstimator(opts Options) (*Estimator, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("depth: model path is required")
	}
	if opts.InputName == "" || opts.OutputName == "" {
		return nil, errors.New("depth: input and output names must be provided")
	}

	if err := acquireEnvironment(opts.ORTSharedLibraryPath); err != nil {
		return nil, fmt.Errorf("depth: initialize onnxruntime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		nil,
	)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("depth: load model %s: %w", opts.ModelPath, err)
	}

	return &Estimator{session: session, opts: opts}, nil
}

// EstimateDepth runs one inference and returns a depth field resampled to the
// source image dimensions. Calls serialize on the model lock; the context is
// checked before the (potentially long) session run starts.
func (e *Estimator) EstimateDepth(ctx context.Context, img image.Image) (*depthmap.Field, error) {
	data, err := imageToTensor(img, e.opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("depth: estimator is closed")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	side := int64(e.opts.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, 3, side, side), data)
	if err != nil {
		return nil, fmt.Errorf("depth: create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("depth: inference: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("depth: unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	field, err := fieldFromTensor(out.GetShape(), out.GetData())
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	return resizeField(field, b.Dx(), b.Dy()), nil
}

// fieldFromTensor copies model output into a Field. Depth-Anything exports
// emit either [1,H,W] or [1,1,H,W].
func fieldFromTensor(shape ort.Shape, data []float32) (*depthmap.Field, error) {
	dims := []int64(shape)
	for len(dims) > 2 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("depth: unexpected output shape %v", shape)
	}
	h, w := int(dims[0]), int(dims[1])
	if h*w != len(data) {
		return nil, fmt.Errorf("depth: output shape %v does not match %d values", shape, len(data))
	}
	field := depthmap.NewField(w, h)
	copy(field.Values, data)
	return field, nil
}

// Close releases the session and the runtime environment reference.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	err := e.session.Destroy()
	releaseEnvironment()
	return err
}
