package keystore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStore persists records as JSON files under a base directory, one
// subdirectory per service and one file per account. It stands in for the
// platform secure store on headless and development targets.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{baseDir: strings.TrimSpace(dir)}
}

// BaseDir returns the root directory records are written under.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) pathFor(key Key) (string, error) {
	service := sanitizeComponent(key.Service)
	account := sanitizeComponent(key.Account)
	if service == "" || account == "" {
		return "", fmt.Errorf("idkit keystore: invalid key %q/%q", key.Service, key.Account)
	}
	return filepath.Join(s.baseDir, service, account+".json"), nil
}

// Put writes value under key. Identical content is not rewritten so watchers
// of the backing directory do not see spurious change events.
func (s *FileStore) Put(ctx context.Context, key Key, value []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("idkit keystore: create dir failed: %w", err)
	}
	if existing, errRead := os.ReadFile(path); errRead == nil && bytes.Equal(existing, value) {
		return nil
	}
	if err = os.WriteFile(path, value, 0o600); err != nil {
		return fmt.Errorf("idkit keystore: write failed: %w", err)
	}
	return nil
}

// Get returns the record under key or ErrItemNotFound.
func (s *FileStore) Get(ctx context.Context, key Key) ([]byte, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idkit keystore: read failed: %w", err)
	}
	return raw, nil
}

// GetAll enumerates every record stored under service.
func (s *FileStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	dir := filepath.Join(s.baseDir, sanitizeComponent(service))

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idkit keystore: list failed: %w", err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		raw, errRead := os.ReadFile(filepath.Join(dir, entry.Name()))
		if errRead != nil {
			log.WithError(errRead).Warnf("keystore: skipping unreadable record %s", entry.Name())
			continue
		}
		items = append(items, Item{
			Key: Key{
				Service: service,
				Account: strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			},
			Value: raw,
		})
	}
	return items, nil
}

// Delete removes the record under key.
func (s *FileStore) Delete(ctx context.Context, key Key) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return ErrItemNotFound
	}
	if err != nil {
		return fmt.Errorf("idkit keystore: delete failed: %w", err)
	}
	return nil
}

// sanitizeComponent keeps keys filesystem-safe without losing uniqueness for
// the identifiers the engine actually produces (client ids and user ids).
func sanitizeComponent(component string) string {
	component = strings.TrimSpace(component)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(component)
}
