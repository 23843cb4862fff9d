// Package local implements a filesystem-backed key-value store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// Dir is the directory records are written to.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Name is the store name; empty means the default store.
	Name string `mapstructure:"name" yaml:"name"`
}

// Store writes records as files under one directory.
type Store struct {
	dir  string
	name string
}

// New creates a local filesystem store, creating Dir when missing.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("store directory is required")
	}

	// Check if the directory exists and is writable.
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat store directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("store directory path is not a directory")
	}

	testFile := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("store directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{
		dir:  cfg.Dir,
		name: cfg.Name,
	}, nil
}

// ID implements crawler.KeyValueStore. Local stores are identified by name.
func (s *Store) ID() string {
	if s.name == "" {
		return "default"
	}
	return s.name
}

// Name implements crawler.KeyValueStore.
func (s *Store) Name() string { return s.name }

// Dir returns the directory records are written to.
func (s *Store) Dir() string { return s.dir }

// SetValue writes value to <dir>/<key>. The content type is implied by the key's extension.
func (s *Store) SetValue(ctx context.Context, key string, value []byte, _ string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}

	fullPath := filepath.Join(s.dir, key)

	// Clean the path and verify it's within dir to prevent path traversal.
	cleanDir := filepath.Clean(s.dir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanDir+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, value, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
