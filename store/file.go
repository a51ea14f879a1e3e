package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mrinal-mann/Knugget-new/core"
)

const (
	fileStoreVersionV1 = "1"
	defaultStoreDir    = ".knugget"
	defaultStoreFile   = "auth.json"
)

var errEmptyStorePath = errors.New("store: file path is empty")

type fileStoreDocument struct {
	Version  string           `json:"version"`
	Auth     *core.AuthRecord `json:"auth,omitempty"`
	Snapshot *Snapshot        `json:"snapshot,omitempty"`
}

// FileStore persists the auth record in a local JSON file. Tokens are
// sealed before they reach disk; writes go through a temp file and a
// rename so readers never observe a partial document.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// NewDefaultFileStore creates a store at ~/.knugget/auth.json.
func NewDefaultFileStore() (*FileStore, error) {
	path, err := DefaultFilePath()
	if err != nil {
		return nil, err
	}
	return NewFileStore(path), nil
}

// DefaultFilePath returns the default auth store path.
func DefaultFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultStoreDir, defaultStoreFile), nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Load returns the stored record with tokens unsealed.
func (s *FileStore) Load(ctx context.Context) (core.AuthRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.AuthRecord{}, false, err
	}
	if s == nil {
		return core.AuthRecord{}, false, errors.New("store: file store is nil")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.loadDocument()
	if err != nil {
		return core.AuthRecord{}, false, err
	}
	if doc.Auth == nil {
		return core.AuthRecord{}, false, nil
	}

	rec, err := s.openRecord(*doc.Auth)
	if err != nil {
		return core.AuthRecord{}, false, err
	}
	return rec, true, nil
}

// Save replaces the stored record. The snapshot slot is preserved.
func (s *FileStore) Save(ctx context.Context, rec core.AuthRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("store: file store is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument()
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		// a fresh record overwrites whatever went bad
		doc = fileStoreDocument{}
	}

	sealed, err := s.sealRecord(rec)
	if err != nil {
		return err
	}
	doc.Auth = &sealed
	return s.saveDocument(doc)
}

// Clear removes the stored record. The snapshot slot is preserved when
// readable.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("store: file store is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument()
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		doc = fileStoreDocument{}
	}
	doc.Auth = nil
	return s.saveDocument(doc)
}

// SaveSnapshot replaces the last-known snapshot.
func (s *FileStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("store: file store is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadDocument()
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		doc = fileStoreDocument{}
	}
	doc.Snapshot = &snap
	return s.saveDocument(doc)
}

// LoadSnapshot returns the last-known snapshot.
func (s *FileStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	if s == nil {
		return Snapshot{}, false, errors.New("store: file store is nil")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, err := s.loadDocument()
	if err != nil {
		return Snapshot{}, false, err
	}
	if doc.Snapshot == nil {
		return Snapshot{}, false, nil
	}
	return *doc.Snapshot, true, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) loadDocument() (fileStoreDocument, error) {
	if strings.TrimSpace(s.path) == "" {
		return fileStoreDocument{}, errEmptyStorePath
	}

	// #nosec G304 -- path is configured by caller and constrained to local filesystem usage.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileStoreDocument{}, nil
		}
		return fileStoreDocument{}, fmt.Errorf("store: read auth file: %w", err)
	}
	if len(data) == 0 {
		return fileStoreDocument{}, nil
	}

	var doc fileStoreDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fileStoreDocument{}, fmt.Errorf("%w: decode auth file: %v", ErrCorrupt, err)
	}
	return doc, nil
}

func (s *FileStore) saveDocument(doc fileStoreDocument) error {
	if strings.TrimSpace(s.path) == "" {
		return errEmptyStorePath
	}

	doc.Version = fileStoreVersionV1

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode auth file: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("store: create store dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp auth file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: replace auth file: %w", err)
	}
	return nil
}

func (s *FileStore) sealRecord(rec core.AuthRecord) (core.AuthRecord, error) {
	codec, err := newSecretCodec(s.path)
	if err != nil {
		return core.AuthRecord{}, fmt.Errorf("store: initialize secret codec: %w", err)
	}
	sealed := rec
	if sealed.AccessToken, err = codec.Seal(rec.AccessToken); err != nil {
		return core.AuthRecord{}, fmt.Errorf("store: seal access token: %w", err)
	}
	if sealed.RefreshToken, err = codec.Seal(rec.RefreshToken); err != nil {
		return core.AuthRecord{}, fmt.Errorf("store: seal refresh token: %w", err)
	}
	return sealed, nil
}

func (s *FileStore) openRecord(rec core.AuthRecord) (core.AuthRecord, error) {
	codec, err := newSecretCodec(s.path)
	if err != nil {
		return core.AuthRecord{}, fmt.Errorf("store: initialize secret codec: %w", err)
	}
	opened := rec
	if opened.AccessToken, err = codec.Open(rec.AccessToken); err != nil {
		return core.AuthRecord{}, fmt.Errorf("%w: unseal access token: %v", ErrCorrupt, err)
	}
	if opened.RefreshToken, err = codec.Open(rec.RefreshToken); err != nil {
		return core.AuthRecord{}, fmt.Errorf("%w: unseal refresh token: %v", ErrCorrupt, err)
	}
	return opened, nil
}

var _ Store = (*FileStore)(nil)
