package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps the token in a JSON document. Writers replace the file
// atomically and every access holds an advisory lock on a sidecar file so
// that concurrent processes sharing the path never observe a torn write.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path)}
}

func (s *FileStore) Token(ctx context.Context) (string, error) {
	if s == nil || s.Path == "" {
		return "", ErrInvalidInput
	}
	unlock, err := lockPath(ctx, s.lockPath(), false)
	if err != nil {
		return "", err
	}
	defer unlock()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("decode credentials %s: %w", s.Path, err)
	}
	return strings.TrimSpace(rec.Token), nil
}

func (s *FileStore) Save(ctx context.Context, token string) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	token, err := normalizeToken(token)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(record{Token: token, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	unlock, err := lockPath(ctx, s.lockPath(), true)
	if err != nil {
		return err
	}
	defer unlock()

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileStore) Clear(ctx context.Context) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	unlock, err := lockPath(ctx, s.lockPath(), true)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) lockPath() string {
	return s.Path + ".lock"
}
