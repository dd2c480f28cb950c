package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/danferreira/gswarm/internal/chunkmap"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

func newPartial(t *testing.T, fs afero.Fs, id string, size int64) *Partial {
	t.Helper()
	store, err := NewPartialStore(fs, "/tmp/partial")
	require.NoError(t, err)

	p, err := store.Open(id, size)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPartialWriteAndSum(t *testing.T) {
	p := newPartial(t, afero.NewMemMapFs(), "obj", 10)

	_, err := p.WriteAt([]byte("56789"), 5)
	require.NoError(t, err)
	_, err = p.WriteAt([]byte("01234"), 0)
	require.NoError(t, err)

	sum, err := p.Sum()
	require.NoError(t, err)
	assert.Equal(t, SumBytes([]byte("0123456789")), sum)

	buf := make([]byte, 3)
	_, err = p.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))
}

func TestPartialRejectsWritePastEnd(t *testing.T) {
	p := newPartial(t, afero.NewMemMapFs(), "obj", 4)

	_, err := p.WriteAt([]byte("abc"), 2)
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newPartial(t, fs, "a/b c", 100)

	ranges := []chunkmap.Range{{Offset: 0, Length: 5}, {Offset: 50, Length: 10}}
	require.NoError(t, p.SaveSnapshot(ranges))

	exists, err := afero.Exists(fs, p.SnapshotPath+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	loaded, err := p.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, ranges, loaded)
}

func TestLoadSnapshotMissing(t *testing.T) {
	p := newPartial(t, afero.NewMemMapFs(), "obj", 100)

	loaded, err := p.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadSnapshotOutsideObject(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newPartial(t, fs, "obj", 10)
	require.NoError(t, p.SaveSnapshot([]chunkmap.Range{{Offset: 8, Length: 5}}))

	_, err := p.LoadSnapshot()
	assert.Error(t, err)
}

func TestReopenKeepsContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewPartialStore(fs, "/partial")
	require.NoError(t, err)

	p, err := store.Open("obj", 10)
	require.NoError(t, err)
	_, err = p.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	p, err = store.Open("obj", 10)
	require.NoError(t, err)
	defer p.Close()

	buf := make([]byte, 5)
	_, err = p.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestResetAndDiscard(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := newPartial(t, fs, "obj", 10)
	_, err := p.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, p.SaveSnapshot([]chunkmap.Range{{Offset: 0, Length: 3}}))

	require.NoError(t, p.Reset())
	loaded, err := p.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	require.NoError(t, p.Discard())
	_, err = fs.Stat(p.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCoverageAndReadRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewPartialStore(fs, "/partial")
	require.NoError(t, err)

	cov, err := store.Coverage("obj", 10)
	require.NoError(t, err)
	assert.True(t, cov.Empty())

	p, err := store.Open("obj", 10)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.WriteAt([]byte("0123456"), 0)
	require.NoError(t, err)
	require.NoError(t, p.SaveSnapshot([]chunkmap.Range{{Offset: 0, Length: 4}}))

	cov, err = store.Coverage("obj", 10)
	require.NoError(t, err)
	assert.Equal(t, "{0:4}", cov.String())

	data, err := store.ReadRange("obj", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "123", string(data))

	_, err = store.ReadRange("missing", 0, 1)
	assert.Error(t, err)
}

func TestContentInstall(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	p := newPartial(t, mem, "obj", 5)
	_, err := p.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	sum, err := p.Sum()
	require.NoError(t, err)
	require.NoError(t, p.Close())

	store := NewContentStore(memblob.OpenBucket(nil), mem)
	defer store.Close()

	has, err := store.Has(ctx, sum)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Install(ctx, p.Path, sum))

	has, err = store.Has(ctx, sum)
	require.NoError(t, err)
	assert.True(t, has)

	exists, err := afero.Exists(mem, p.Path)
	require.NoError(t, err)
	assert.False(t, exists)

	r, err := store.Open(ctx, sum)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestContentOpenMissing(t *testing.T) {
	store := NewContentStore(memblob.OpenBucket(nil), afero.NewMemMapFs())
	defer store.Close()

	_, err := store.Open(context.Background(), SumBytes([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCopyLocal(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/media/a.bin", []byte("local"), 0644))

	store := NewContentStore(memblob.OpenBucket(nil), mem)
	defer store.Close()

	ok, err := store.CopyLocal(ctx, "/media/a.bin", SumBytes([]byte("other")))
	require.NoError(t, err)
	assert.False(t, ok)
	has, err := store.Has(ctx, SumBytes([]byte("other")))
	require.NoError(t, err)
	assert.False(t, has)

	ok, err = store.CopyLocal(ctx, "/media/missing.bin", SumBytes([]byte("local")))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CopyLocal(ctx, "/media/a.bin", SumBytes([]byte("local")))
	require.NoError(t, err)
	assert.True(t, ok)

	has, err = store.Has(ctx, SumBytes([]byte("local")))
	require.NoError(t, err)
	assert.True(t, has)

	exists, err := afero.Exists(mem, "/media/a.bin")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestContentReadRange(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	data := []byte("0123456789")
	hash := SumBytes(data)
	require.NoError(t, afero.WriteFile(mem, "/tmp/obj.part", data, 0644))

	store := NewContentStore(memblob.OpenBucket(nil), mem)
	defer store.Close()
	require.NoError(t, store.Install(ctx, "/tmp/obj.part", hash))

	got, err := store.ReadRange(ctx, hash, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), got)

	_, err = store.ReadRange(ctx, SumBytes([]byte("nope")), 0, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
