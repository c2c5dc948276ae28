package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
)

// FileSessionStore хранит сессии терминального клиента в JSON-файле с
// правами 0600.
type FileSessionStore struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

var _ domain.SessionStore = (*FileSessionStore)(nil)

type storedSession struct {
	Session   *domain.Session `json:"session"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// NewFileSessionStore создаёт хранилище в path.
func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path, now: time.Now}
}

// DefaultSessionPath возвращает ~/.config/chirpnest/session.json.
func DefaultSessionPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "chirpnest", "session.json"), nil
}

func (s *FileSessionStore) read() (map[string]storedSession, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]storedSession{}, nil
	}
	if err != nil {
		return nil, err
	}
	all := map[string]storedSession{}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("разбор %s: %w", s.path, err)
	}
	return all, nil
}

func (s *FileSessionStore) write(all map[string]storedSession) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load возвращает сессию или domain.ErrNotFound.
func (s *FileSessionStore) Load(_ context.Context, key string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return nil, err
	}
	entry, ok := all[key]
	if !ok || entry.Session == nil {
		return nil, domain.ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && s.now().After(entry.ExpiresAt) {
		return nil, domain.ErrNotFound
	}
	return entry.Session, nil
}

// Save записывает сессию. ttl <= 0 означает хранение без срока.
func (s *FileSessionStore) Save(_ context.Context, key string, sess *domain.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	entry := storedSession{Session: sess}
	if ttl > 0 {
		entry.ExpiresAt = s.now().Add(ttl)
	}
	all[key] = entry
	return s.write(all)
}

// Delete удаляет сессию.
func (s *FileSessionStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	delete(all, key)
	return s.write(all)
}
