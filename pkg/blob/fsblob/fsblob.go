// Package fsblob implements [blob.Store] on a local directory. It suits
// single-node deployments and development; multi-node deployments should use
// pgblob so every gateway replica can serve every URL.
package fsblob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/parlance-ai/parlance/pkg/blob"
)

// Store writes blobs as files under a root directory. The content type is
// kept in a sidecar file next to the payload.
type Store struct {
	dir     string
	baseURL string
}

var _ blob.Store = (*Store)(nil)

// New creates the root directory if needed. publicBaseURL is the externally
// reachable gateway base (e.g. "https://chat.example.com"); minted URLs are
// publicBaseURL + "/files/" + key.
func New(dir, publicBaseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsblob: create root: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("fsblob: invalid key %q", key)
	}
	return nil
}

func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("fsblob: put %q: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("fsblob: put %q: %w", key, err)
	}
	if err := os.WriteFile(path+".ctype", []byte(contentType), 0o644); err != nil {
		return "", fmt.Errorf("fsblob: put %q: %w", key, err)
	}
	return s.baseURL + "/files/" + key, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, string, error) {
	if err := validateKey(key); err != nil {
		return nil, "", err
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", blob.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("fsblob: get %q: %w", key, err)
	}
	ct, err := os.ReadFile(path + ".ctype")
	if err != nil {
		ct = []byte("application/octet-stream")
	}
	return data, string(ct), nil
}
