package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"collabtext/internal/domain"
)

// Ensure FileBackend implements the interface.
var _ Backend = (*FileBackend)(nil)

const lockRetryDelay = 10 * time.Millisecond

// FileBackend stores snapshots as <dir>/<id>.snapshot and counters as
// <dir>/<id>.version. Writes go through a temp file and a rename so a crash
// never leaves a torn snapshot; counter updates hold an advisory file lock.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the storage directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty storage directory", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// Dir returns the storage directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) path(docID, ext string) (string, error) {
	if docID == "" || docID == "." || docID == ".." ||
		strings.ContainsAny(docID, `/\`) || strings.ContainsRune(docID, 0) {
		return "", fmt.Errorf("%w: document id %q is not a valid file name", domain.ErrInvalidInput, docID)
	}
	return filepath.Join(b.dir, docID+ext), nil
}

// Load implements Backend.
func (b *FileBackend) Load(_ context.Context, docID string) ([]byte, error) {
	p, err := b.path(docID, ".snapshot")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return data, nil
}

// Save implements Backend.
func (b *FileBackend) Save(_ context.Context, docID string, snapshot []byte) error {
	p, err := b.path(docID, ".snapshot")
	if err != nil {
		return err
	}
	return writeFileAtomic(p, snapshot)
}

// Version implements Backend.
func (b *FileBackend) Version(_ context.Context, docID string) (int64, error) {
	p, err := b.path(docID, ".version")
	if err != nil {
		return 0, err
	}
	return readCounter(p)
}

// IncrVersion implements Backend.
func (b *FileBackend) IncrVersion(ctx context.Context, docID string, floor int64) (int64, error) {
	p, err := b.path(docID, ".version")
	if err != nil {
		return 0, err
	}

	lock := flock.New(p + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return 0, fmt.Errorf("locking version file: %w", err)
	}
	if !locked {
		return 0, fmt.Errorf("locking version file: %s is busy", p)
	}
	defer func() { _ = lock.Unlock() }()

	v, err := readCounter(p)
	if err != nil {
		return 0, err
	}
	if v < floor {
		v = floor
	}
	v++
	if err := writeFileAtomic(p, []byte(strconv.FormatInt(v, 10))); err != nil {
		return 0, err
	}
	return v, nil
}

func readCounter(p string) (int64, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version %q: %w", s, err)
	}
	return v, nil
}

func writeFileAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("renaming %s: %w", p, err)
	}
	return nil
}
