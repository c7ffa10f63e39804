package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store persists the single bearer token used to authenticate the feed and
// realtime connections. Token returns "" with a nil error when nothing is
// stored.
type Store interface {
	Token(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

type record struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func normalizeToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidInput
	}
	return token, nil
}

type MemoryStore struct {
	mu  sync.Mutex
	rec *record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return "", nil
	}
	return s.rec.Token, nil
}

func (s *MemoryStore) Save(_ context.Context, token string) error {
	token, err := normalizeToken(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = &record{Token: token, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}
