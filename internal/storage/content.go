package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

var ErrNotFound = errors.New("content not found")

// ContentStore keeps finished objects keyed by their content hash.
type ContentStore struct {
	bucket *blob.Bucket
	fs     afero.Fs
}

// NewContentStore installs from temp files living on fs into bucket.
func NewContentStore(bucket *blob.Bucket, fs afero.Fs) *ContentStore {
	return &ContentStore{bucket: bucket, fs: fs}
}

// OpenDirContentStore opens a bucket rooted at dir on the local disk.
func OpenDirContentStore(dir string) (*ContentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content dir %s: %w", dir, err)
	}

	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open content bucket: %w", err)
	}

	return NewContentStore(bucket, afero.NewOsFs()), nil
}

func (c *ContentStore) Has(ctx context.Context, hash string) (bool, error) {
	return c.bucket.Exists(ctx, contentKey(hash))
}

// Install copies the temp file into the store under hash and removes it. The
// blob only becomes visible once the writer closes successfully.
func (c *ContentStore) Install(ctx context.Context, tempPath, hash string) error {
	src, err := c.fs.Open(tempPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", tempPath, err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := c.bucket.NewWriter(ctx, contentKey(hash), nil)
	if err != nil {
		return fmt.Errorf("new writer: %w", err)
	}

	if _, err := io.Copy(w, src); err != nil {
		// cancelling before Close aborts the write
		cancel()
		_ = w.Close()
		return fmt.Errorf("copy %s: %w", tempPath, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", hash, err)
	}

	if err := c.fs.Remove(tempPath); err != nil {
		slog.Warn("failed to remove installed temp file", "path", tempPath, "error", err)
	}

	return nil
}

// CopyLocal imports source into the store if its content hashes to hash. The
// source is left in place. A missing source or a mismatch reports false.
func (c *ContentStore) CopyLocal(ctx context.Context, source, hash string) (bool, error) {
	src, err := c.fs.Open(source)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := c.bucket.NewWriter(ctx, contentKey(hash), nil)
	if err != nil {
		return false, fmt.Errorf("new writer: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(w, io.TeeReader(src, h)); err != nil {
		cancel()
		_ = w.Close()
		return false, fmt.Errorf("copy %s: %w", source, err)
	}

	if hex.EncodeToString(h.Sum(nil)) != hash {
		cancel()
		_ = w.Close()
		return false, nil
	}

	if err := w.Close(); err != nil {
		return false, fmt.Errorf("commit %s: %w", hash, err)
	}
	return true, nil
}

func (c *ContentStore) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	r, err := c.bucket.NewReader(ctx, contentKey(hash), nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ReadRange returns length bytes of the object hash starting at offset.
func (c *ContentStore) ReadRange(ctx context.Context, hash string, offset, length int64) ([]byte, error) {
	r, err := c.bucket.NewRangeReader(ctx, contentKey(hash), offset, length, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

func (c *ContentStore) Close() error {
	return c.bucket.Close()
}

func contentKey(hash string) string {
	if len(hash) < 2 {
		return hash
	}
	return hash[:2] + "/" + hash
}
