package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jackpal/bencode-go"
	"github.com/spf13/afero"

	"github.com/danferreira/gswarm/internal/chunkmap"
)

const (
	partialExt  = ".part"
	snapshotExt = ".chunks"
)

// PartialStore hands out in-progress files under one directory.
type PartialStore struct {
	fs  afero.Fs
	dir string
}

func NewPartialStore(fs afero.Fs, dir string) (*PartialStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partial dir %s: %w", dir, err)
	}

	return &PartialStore{fs: fs, dir: dir}, nil
}

func (s *PartialStore) Fs() afero.Fs {
	return s.fs
}

// Open opens (or creates) the temp file for an object. Existing content is
// kept so a download can resume.
func (s *PartialStore) Open(objID string, size int64) (*Partial, error) {
	base := s.base(objID)
	path := base + partialExt

	file, err := s.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial %s: %w", path, err)
	}

	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if st.Size() > size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, err
		}
	}

	return &Partial{
		fs:           s.fs,
		file:         file,
		Path:         path,
		SnapshotPath: base + snapshotExt,
		Size:         size,
	}, nil
}

// Partial is the temp file an object is assembled into, plus the chunk
// snapshot persisted beside it.
type Partial struct {
	fs   afero.Fs
	file afero.File

	Path         string
	SnapshotPath string
	Size         int64
}

type snapshot struct {
	Offsets []int64 `bencode:"offsets"`
	Lengths []int64 `bencode:"lengths"`
}

func (p *Partial) WriteAt(data []byte, off int64) (int, error) {
	if p.file == nil {
		return 0, os.ErrClosed
	}
	if off < 0 || off+int64(len(data)) > p.Size {
		return 0, fmt.Errorf("write [%d,%d) outside object of %d bytes", off, off+int64(len(data)), p.Size)
	}
	return p.file.WriteAt(data, off)
}

func (p *Partial) ReadAt(buf []byte, off int64) (int, error) {
	if p.file == nil {
		return 0, os.ErrClosed
	}
	return p.file.ReadAt(buf, off)
}

// Sum hashes the first Size bytes of the temp file.
func (p *Partial) Sum() (string, error) {
	if p.file == nil {
		return "", os.ErrClosed
	}
	return Sum(io.NewSectionReader(p.file, 0, p.Size))
}

// SaveSnapshot persists the downloaded ranges. The snapshot is written to a
// side file and renamed so a crash never leaves a torn snapshot.
func (p *Partial) SaveSnapshot(ranges []chunkmap.Range) error {
	s := snapshot{
		Offsets: make([]int64, 0, len(ranges)),
		Lengths: make([]int64, 0, len(ranges)),
	}
	for _, r := range ranges {
		s.Offsets = append(s.Offsets, r.Offset)
		s.Lengths = append(s.Lengths, r.Length)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, s); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp := p.SnapshotPath + ".tmp"
	if err := afero.WriteFile(p.fs, tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := p.fs.Rename(tmp, p.SnapshotPath); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot returns the persisted ranges, or nil if there is no snapshot.
func (p *Partial) LoadSnapshot() ([]chunkmap.Range, error) {
	return readSnapshot(p.fs, p.SnapshotPath, p.Size)
}

// Coverage returns the ranges recorded by the last snapshot of objID without
// opening its temp file. Every recorded range has been written to disk.
func (s *PartialStore) Coverage(objID string, size int64) (*chunkmap.Map, error) {
	ranges, err := readSnapshot(s.fs, s.base(objID)+snapshotExt, size)
	if err != nil {
		return nil, err
	}
	return chunkmap.FromRanges(ranges), nil
}

// ReadRange reads length bytes at offset from the temp file of objID.
func (s *PartialStore) ReadRange(objID string, offset, length int64) ([]byte, error) {
	file, err := s.fs.Open(s.base(objID) + partialExt)
	if err != nil {
		return nil, fmt.Errorf("open partial %s: %w", objID, err)
	}
	defer file.Close()

	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read partial %s at %d: %w", objID, offset, err)
	}
	return buf, nil
}

func (s *PartialStore) base(objID string) string {
	return filepath.Join(s.dir, url.PathEscape(objID))
}

func readSnapshot(fs afero.Fs, path string, size int64) ([]chunkmap.Range, error) {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var s snapshot
	if err := bencode.Unmarshal(bytes.NewReader(data), &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(s.Offsets) != len(s.Lengths) {
		return nil, fmt.Errorf("corrupt snapshot: %d offsets, %d lengths", len(s.Offsets), len(s.Lengths))
	}

	ranges := make([]chunkmap.Range, 0, len(s.Offsets))
	for i := range s.Offsets {
		r := chunkmap.Range{Offset: s.Offsets[i], Length: s.Lengths[i]}
		if r.Offset < 0 || r.Length < 0 || r.End() > size {
			return nil, fmt.Errorf("corrupt snapshot: range %s outside object", r)
		}
		ranges = append(ranges, r)
	}

	return ranges, nil
}

// Reset drops all content and the snapshot, keeping the file open.
func (p *Partial) Reset() error {
	if p.file != nil {
		if err := p.file.Truncate(0); err != nil {
			return err
		}
	}
	return p.removeSnapshot()
}

func (p *Partial) Close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Discard closes the partial and deletes both files.
func (p *Partial) Discard() error {
	err := p.Close()
	if rmErr := p.fs.Remove(p.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	if rmErr := p.removeSnapshot(); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (p *Partial) removeSnapshot() error {
	if err := p.fs.Remove(p.SnapshotPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Sum returns the hex SHA-256 of everything r yields.
func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func SumBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
