package node

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/danferreira/gswarm/internal/index"
	"github.com/danferreira/gswarm/internal/storage"
)

// DescribeFile builds an index record for a local file, with the file itself
// as the copy source.
func DescribeFile(path string) (index.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return index.Record{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return index.Record{}, err
	}
	if info.IsDir() {
		return index.Record{}, fmt.Errorf("%s is a directory", path)
	}

	hash, err := storage.Sum(f)
	if err != nil {
		return index.Record{}, fmt.Errorf("hash %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return index.Record{}, err
	}

	return index.Record{
		ID:          uuid.NewString(),
		Name:        filepath.Base(path),
		Size:        info.Size(),
		Hash:        hash,
		LocalSource: abs,
	}, nil
}

// Share registers a local file. The manager imports it from disk, after which
// peers can fetch it.
func (n *Node) Share(path string, priority int) (index.Record, error) {
	rec, err := DescribeFile(path)
	if err != nil {
		return index.Record{}, err
	}
	rec.Priority = priority

	if err := n.index.Add(rec); err != nil {
		return index.Record{}, err
	}
	return rec, nil
}
