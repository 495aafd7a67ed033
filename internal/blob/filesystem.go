package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore keeps objects as files below root. Keys may contain
// slashes but never escape root.
type FilesystemStore struct {
	root     string
	maxBytes int64
}

func NewFilesystemStore(root string, maxBytes int64) (*FilesystemStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "./data/attachments"
	}
	cleanRoot := filepath.Clean(root)
	if err := os.MkdirAll(cleanRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FilesystemStore{root: cleanRoot, maxBytes: maxBytesOrDefault(maxBytes)}, nil
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolvePath(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrObjectNotFound
	}
	if info.Size() > s.maxBytes {
		return nil, ErrObjectTooLarge
	}
	return os.ReadFile(path)
}

func (s *FilesystemStore) resolvePath(key string) (string, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", err
	}
	key = strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if key == "" || key == "." {
		return "", ErrInvalidKey
	}
	path := filepath.Join(s.root, key)
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", ErrInvalidKey
	}
	return path, nil
}
