package model

import (
	"fmt"
	"strings"
)

// ModelNotFoundError reports that no candidate artifact exists.
type ModelNotFoundError struct {
	Attempted []string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model artifact not found (tried: %s)", strings.Join(e.Attempted, ", "))
}

// ModelLoadError reports an artifact that exists but could not be loaded.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
