package filesystem

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBlobStore(t *testing.T) (*BlobStore, string) {
	t.Helper()
	dir := t.TempDir()
	bs, err := New(dir)
	require.NoError(t, err)
	return bs, dir
}

// settle disables the freshness guard for the duration of the test.
func settle(t *testing.T) {
	t.Helper()
	prev := freshness
	freshness = 0
	t.Cleanup(func() { freshness = prev })
}

func TestNewBlobBadRoot(t *testing.T) {
	_, err := New("/path/does/not/exist")
	assert.Error(t, err)

	filePath := filepath.Join(t.TempDir(), "notadir")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o600))
	_, err = New(filePath)
	assert.Error(t, err)
}

func TestBlobStoreWriteOpenDelete(t *testing.T) {
	bs, dir := newBlobStore(t)
	id := "cccccccccccccccccccccccccccccccc"
	data := []byte("secret-bytes")

	require.NoError(t, bs.Write(id, bytes.NewReader(data), int64(len(data))))
	assert.ErrorIs(t, bs.Write(id, bytes.NewReader(data), int64(len(data))), os.ErrExist)

	for range 2 {
		rc, err := bs.Open(id)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, data, got, "blob must survive repeated reads")
	}

	info, err := os.Stat(filepath.Join(dir, id+".blob"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, bs.Delete(id))
	_, err = bs.Open(id)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, bs.Delete(id), "deleting a missing blob is not an error")
}

func TestWriteShortReaderLeavesNothing(t *testing.T) {
	bs, dir := newBlobStore(t)
	id := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	data := []byte("short")

	err := bs.Write(id, bytes.NewReader(data), int64(len(data)+10))
	assert.ErrorIs(t, err, io.EOF)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "neither blob nor temp file may remain")
}

func TestDeleteEmptyID(t *testing.T) {
	bs, _ := newBlobStore(t)
	assert.NoError(t, bs.Delete(""))
}

func TestBlobStoreListSkipsRecent(t *testing.T) {
	bs, _ := newBlobStore(t)
	prev := freshness
	freshness = time.Hour
	t.Cleanup(func() { freshness = prev })

	id := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	require.NoError(t, bs.Write(id, bytes.NewReader([]byte("p")), 1))
	ids, err := bs.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	freshness = 0
	ids, err = bs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestListIgnoresForeignEntries(t *testing.T) {
	settle(t)
	bs, dir := newBlobStore(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.blob.tmp"), nil, 0o600))

	ids, err := bs.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListAfterDeletingDirectory(t *testing.T) {
	bs, dir := newBlobStore(t)
	require.NoError(t, os.RemoveAll(dir))
	_, err := bs.List()
	assert.Error(t, err)
}

func TestBlobStoreInvalidIDs(t *testing.T) {
	bs, _ := newBlobStore(t)
	payload := []byte("x")
	cases := []string{
		"../escape",
		"a/b",
		"..",
		"..hidden",
		"slash/",
		`back\\slash`,
		"short",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"1234567890abcdef1234567890abcde",
		"1234567890abcdef1234567890abcdef0",
	}
	for _, id := range cases {
		assert.Error(t, bs.Write(id, bytes.NewReader(payload), 1), "write %q", id)
		_, err := bs.Open(id)
		assert.Error(t, err, "open %q", id)
		assert.Error(t, bs.Delete(id), "delete %q", id)
	}
}
