package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	outputFile   = "output.gob.gz"
	manifestFile = "map_manifest.gob.gz"
)

// LocalStore keeps intermediate data on the local filesystem under a base
// directory, one subdirectory per (flow, run, step). It is disposable:
// Cleanup removes the whole tree. A zero base directory means a fresh
// temporary directory per store.
type LocalStore struct {
	baseDir string
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a filesystem store rooted at baseDir. If baseDir is
// empty a temporary directory is created.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		dir, err := os.MkdirTemp("", "virta-")
		if err != nil {
			return nil, fmt.Errorf("store: create temp dir: %w", err)
		}
		return &LocalStore{baseDir: dir}, nil
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// BaseDir returns the store's root directory.
func (s *LocalStore) BaseDir() string { return s.baseDir }

func (s *LocalStore) path(flowName, runID, stepName, filename string) string {
	return filepath.Join(s.baseDir, flowName, runID, stepName, filename)
}

func (s *LocalStore) OutputLocation(flowName, runID, stepName string) string {
	return s.path(flowName, runID, stepName, outputFile)
}

func (s *LocalStore) ManifestLocation(flowName, runID, stepName string) string {
	return s.path(flowName, runID, stepName, manifestFile)
}

func (s *LocalStore) Write(flowName, runID, stepName string, v any) (string, error) {
	loc := s.OutputLocation(flowName, runID, stepName)
	data, err := EncodeValue(v)
	if err != nil {
		return "", fmt.Errorf("store: encode %s: %w", stepName, err)
	}
	if err := writeFile(loc, data); err != nil {
		return "", err
	}
	return loc, nil
}

func (s *LocalStore) WriteManifest(flowName, runID, stepName string, items []any) (string, error) {
	loc := s.ManifestLocation(flowName, runID, stepName)
	data, err := EncodeValue(items)
	if err != nil {
		return "", fmt.Errorf("store: encode manifest for %s: %w", stepName, err)
	}
	if err := writeFile(loc, data); err != nil {
		return "", err
	}
	return loc, nil
}

func (s *LocalStore) Read(location string) (any, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("store: read %s: %w", location, err)
	}
	return DecodeValue(data)
}

func (s *LocalStore) ReadManifest(location string) ([]any, error) {
	v, err := s.Read(location)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("store: manifest at %s is %T, not a list", location, v)
	}
	return items, nil
}

// Cleanup removes the store's directory tree.
func (s *LocalStore) Cleanup() error {
	return os.RemoveAll(s.baseDir)
}

func writeFile(loc string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(loc), 0o755); err != nil {
		return fmt.Errorf("store: mkdir for %s: %w", loc, err)
	}
	if err := os.WriteFile(loc, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", loc, err)
	}
	return nil
}
