package model

import (
	"os"
	"path/filepath"
)

// DefaultCandidates is the fallback search order, relative to the base
// directory, used when no explicit model path is configured.
var DefaultCandidates = []string{
	"models/accessibility.onnx",
	"models/model.onnx",
	"model.onnx",
	"models/accessibility",
	"models/accessibility.json",
	"models/accessibility.yaml",
	"models/accessibility.yml",
	"models/accessibility.gob",
	"model.json",
}

// Locator resolves the model artifact to load.
type Locator struct {
	// Override is checked first when set.
	Override string
	// BaseDir anchors relative candidates. Empty means the working directory.
	BaseDir    string
	Candidates []string
}

// NewLocator builds a locator using DefaultCandidates.
func NewLocator(override, baseDir string) *Locator {
	return &Locator{Override: override, BaseDir: baseDir, Candidates: DefaultCandidates}
}

// Paths lists every candidate in the order Locate tries them.
func (l *Locator) Paths() []string {
	paths := make([]string, 0, len(l.Candidates)+1)
	if l.Override != "" {
		paths = append(paths, l.Override)
	}
	for _, c := range l.Candidates {
		if l.BaseDir != "" && !filepath.IsAbs(c) {
			c = filepath.Join(l.BaseDir, c)
		}
		paths = append(paths, c)
	}
	return paths
}

// Locate returns the first candidate that exists on disk.
func (l *Locator) Locate() (string, error) {
	paths := l.Paths()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &ModelNotFoundError{Attempted: paths}
}
