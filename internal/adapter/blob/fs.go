// Package blob stores audio temporaries on the local filesystem. Jobs carry
// only the opaque ref; workers fetch and delete the blob around the
// transcription call.
package blob

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/scribehq/notegen/internal/domain"
)

type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("op=blob.new: %w: empty directory", domain.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(ref string) (string, error) {
	// Refs are ULIDs we minted; anything that escapes the directory is
	// rejected before touching the filesystem.
	clean := filepath.Base(ref)
	if clean != ref || ref == "" || ref == "." {
		return "", fmt.Errorf("op=blob.path: %w: bad ref", domain.ErrInvalidArgument)
	}
	return filepath.Join(s.dir, clean+".bin"), nil
}

func (s *FSStore) Put(_ domain.Context, data []byte) (string, error) {
	ref := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	p, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("op=blob.put: %w", err)
	}
	return ref, nil
}

func (s *FSStore) Get(_ domain.Context, ref string) ([]byte, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("op=blob.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	return data, nil
}

func (s *FSStore) Delete(_ domain.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("op=blob.delete: %w", err)
	}
	return nil
}
