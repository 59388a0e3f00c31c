package assethost

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalHost writes artifacts into a sharded, content-addressed directory.
type LocalHost struct {
	BasePath string
	// PublicURL, when set, replaces the file:// URL with PublicURL/<key>.
	PublicURL string
}

// NewLocalHost creates the directory tree. An empty basePath defaults to
// ~/.gengate/assets.
func NewLocalHost(basePath, publicURL string) (*LocalHost, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".gengate", "assets")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset dir: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &LocalHost{BasePath: abs, PublicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Put stores data and returns its URL. Existing objects are not rewritten.
func (h *LocalHost) Put(ctx context.Context, key, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("refusing to store empty artifact %s", key)
	}

	objKey := contentKey(key, data)
	path := filepath.Join(h.BasePath, filepath.FromSlash(objKey))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write artifact: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return "", fmt.Errorf("failed to commit artifact: %w", err)
		}
	}

	if h.PublicURL != "" {
		return h.PublicURL + "/" + objKey, nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}
