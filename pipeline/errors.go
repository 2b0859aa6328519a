package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies per-item pipeline failures. Every failure is scoped to
// a single batch item and reported with the originating filename.
type ErrorKind string

const (
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindCorruptInput      ErrorKind = "corrupt_input"
	KindInference         ErrorKind = "inference_error"
	KindEncoding          ErrorKind = "encoding_error"
	KindEmbedding         ErrorKind = "embedding_error"
	KindCache             ErrorKind = "cache_error"
)

// Error wraps a stage failure with its classification and source filename.
type Error struct {
	Kind     ErrorKind
	Filename string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Filename, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// itemError builds a classified per-item error.
func itemError(kind ErrorKind, filename string, err error) *Error {
	return &Error{Kind: kind, Filename: filename, Err: err}
}

// Kind extracts the classification from an error chain, or "" for errors
// that did not originate in the pipeline.
func Kind(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
