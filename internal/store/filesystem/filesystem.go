// Package filesystem provides a BlobStorage implementation backed by the local
// filesystem. Large ciphertext payloads are kept as immutable blob files named
// by secret ID.
package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/store"
)

const (
	blobExt = ".blob"
	tmpExt  = ".tmp"
)

// freshness is the minimum age of a blob before List reports it. A blob
// younger than this may belong to a Put whose index insert is in flight.
var freshness = time.Second

var _ store.BlobStorage = (*BlobStore)(nil)

// BlobStore implements store.BlobStorage using the local filesystem.
type BlobStore struct {
	root string
}

// New returns a filesystem-backed blob store rooted at dir. The directory
// must already exist with secure permissions (0700 recommended).
func New(root string) (*BlobStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("blob root is not a directory")
	}
	return &BlobStore{root: root}, nil
}

func (b *BlobStore) path(id string) string { return filepath.Join(b.root, id+blobExt) }

// Write stores exactly size bytes from r under id. Data is written to a
// temporary file, synced, then renamed into place so readers never observe
// a partial blob. Writing an id that already exists fails.
func (b *BlobStore) Write(id string, r io.Reader, size int64) (err error) {
	if err = validateID(id); err != nil {
		return err
	}
	final := b.path(id)
	if _, statErr := os.Stat(final); statErr == nil {
		return fmt.Errorf("blob %s: %w", id, os.ErrExist)
	}
	tmp := final + tmpExt
	// #nosec G304: path is a fixed root plus a validated ID with a fixed suffix.
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err = io.CopyN(f, r, size); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// Open returns a reader over the blob for id. The blob is left in place.
func (b *BlobStore) Open(id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return os.Open(b.path(id)) // #nosec G304 path constructed internally
}

// Delete removes the blob file for id. A missing blob is not an error.
func (b *BlobStore) Delete(id string) error {
	if id == "" {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(b.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the IDs of all settled blobs. Temporary files and blobs
// younger than the freshness window are skipped.
func (b *BlobStore) List() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != blobExt {
			continue
		}
		if info, err := e.Info(); err == nil && time.Since(info.ModTime()) < freshness {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, blobExt))
	}
	return ids, nil
}

// validateID requires a canonical secret ID, which also rules out path
// separators and traversal.
func validateID(id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return errors.New("invalid blob id: must be 32 lowercase hex chars")
	}
	return nil
}
