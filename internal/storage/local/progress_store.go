// Package local implements a filesystem-backed progress store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/stackharvest/internal/store"
)

// Config captures the parameters for the local progress store.
type Config struct {
	// BaseDir is the directory that holds progress files.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Key names the progress file, e.g. "fetch_android;java".
	Key string `mapstructure:"key" yaml:"key"`
}

// ProgressStore persists run progress as a YAML document on disk.
type ProgressStore struct {
	path string
}

// New creates a progress store rooted at cfg.BaseDir, creating the directory
// when needed and verifying it is writable.
func New(cfg Config) (*ProgressStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, fmt.Errorf("progress key is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	name := fmt.Sprintf("fetcher_%s.yaml", cfg.Key)
	fullPath := filepath.Join(cfg.BaseDir, name)
	cleanBaseDir := filepath.Clean(cfg.BaseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("path traversal detected")
	}
	return &ProgressStore{path: fullPath}, nil
}

// Path returns the file backing the store.
func (s *ProgressStore) Path() string {
	return s.path
}

// Load reads the stored state, returning store.ErrNotFound when the file does
// not exist yet.
func (s *ProgressStore) Load(_ context.Context) (store.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.State{}, store.ErrNotFound
		}
		return store.State{}, fmt.Errorf("read progress file: %w", err)
	}
	var state store.State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return store.State{}, fmt.Errorf("decode progress file %s: %w", s.path, err)
	}
	if state.Fetch == nil && state.Discovery == nil {
		return store.State{}, store.ErrNotFound
	}
	return state, nil
}

// Store replaces the file atomically: the document is written to a temporary
// file in the same directory, synced, then renamed over the old one.
func (s *ProgressStore) Store(ctx context.Context, state store.State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp progress file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp progress file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}
