//go:build !cgo
// +build !cgo

package depth

import (
	"context"
	"errors"
	"image"

	"github.com/stevecastle/grebe/depthmap"
)

// ErrCGORequired is returned when depth estimation is attempted without CGO
// support. ONNX Runtime needs a C toolchain; rebuild with CGO_ENABLED=1.
var ErrCGORequired = errors.New("depth: onnxruntime requires CGO support; rebuild with CGO_ENABLED=1")

// Estimator is a stub for non-CGO builds.
type Estimator struct{}

// NewEstimator returns an error indicating CGO is required.
func NewEstimator(opts Options) (*Estimator, error) {
	return nil, ErrCGORequired
}

// EstimateDepth returns an error indicating CGO is required.
func (e *Estimator) EstimateDepth(ctx context.Context, img image.Image) (*depthmap.Field, error) {
	return nil, ErrCGORequired
}

// Close is a no-op in non-CGO builds.
func (e *Estimator) Close() error {
	return nil
}
