// Package authstore persists transport session credentials as one JSON file
// per key inside a directory, so a paired device survives restarts.
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileExt = ".json"

// Credentials is an opaque bag of transport credential documents keyed by name.
type Credentials map[string]json.RawMessage

// Clone returns an independent copy.
func (c Credentials) Clone() Credentials {
	if c == nil {
		return nil
	}
	out := make(Credentials, len(c))
	for key, value := range c {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}

// Store reads and writes credentials under one directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("auth directory is required")
	}
	return &Store{dir: filepath.Clean(dir)}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Load returns the stored credentials, creating the directory when missing.
// An empty result means the next session open must pair from scratch.
func (s *Store) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read auth dir: %w", err)
	}

	creds := make(Credentials, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read credential %q: %w", key, err)
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("credential %q is not valid json", key)
		}
		creds[key] = raw
	}

	return creds, nil
}

// Save merges update into the stored set. A key with a JSON null value is removed.
func (s *Store) Save(update Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}

	for key, value := range update {
		if strings.TrimSpace(key) == "" {
			continue
		}
		path := filepath.Join(s.dir, url.PathEscape(key)+fileExt)

		if len(value) == 0 || string(value) == "null" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove credential %q: %w", key, err)
			}
			continue
		}

		if err := writeFileAtomic(path, value); err != nil {
			return fmt.Errorf("write credential %q: %w", key, err)
		}
	}

	return nil
}

// Clear deletes every stored credential. Clearing an absent store is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clear auth dir: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".creds-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
