package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shardstream/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *storage.LocalObjectStore {
	t.Helper()

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestPutGetObject(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.CreateBucket(ctx, "bucket"))
	require.NoError(t, store.PutObject(ctx, "bucket", "dir/file.bin", strings.NewReader("hello")))

	data, err := store.GetObject(ctx, "bucket", "dir/file.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = store.GetObject(ctx, "bucket", "missing")
	assert.Error(t, err)
}

func TestDownloadObject(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.PutObject(ctx, "bucket", "file.bin", strings.NewReader("payload")))

	dest := filepath.Join(t.TempDir(), "nested", "out.bin")
	require.NoError(t, store.DownloadObject(ctx, "bucket", "file.bin", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestListObjects(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.PutObject(ctx, "bucket", "a/1.bin", strings.NewReader("one")))
	require.NoError(t, store.PutObject(ctx, "bucket", "a/2.bin", strings.NewReader("two")))
	require.NoError(t, store.PutObject(ctx, "bucket", "b/3.bin", strings.NewReader("three")))

	objects, err := store.ListObjects(ctx, "bucket", "a/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "a/1.bin", objects[0].Name)
	assert.Equal(t, int64(3), objects[0].Size)

	all, err := store.ListObjects(ctx, "bucket", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListObjectsMissingBucket(t *testing.T) {
	store := newLocalStore(t)

	objects, err := store.ListObjects(context.Background(), "nope", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestDeleteObjects(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	require.NoError(t, store.PutObject(ctx, "bucket", "a/1.bin", strings.NewReader("one")))
	require.NoError(t, store.PutObject(ctx, "bucket", "b/2.bin", strings.NewReader("two")))

	require.NoError(t, store.DeleteObjects(ctx, "bucket", "a/"))

	objects, err := store.ListObjects(ctx, "bucket", "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "b/2.bin", objects[0].Name)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestUploadDownloadDir(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"index.json":      "{}",
		"shard.00000.bin": "aaa",
		"sub/extra.bin":   "bbb",
	})

	require.NoError(t, store.UploadDir(ctx, "bucket", "data/train", src))

	objects, err := store.ListObjects(ctx, "bucket", "data/train/")
	require.NoError(t, err)
	assert.Len(t, objects, 3)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, store.DownloadDir(ctx, "bucket", "data/train", dest, false))

	for name, content := range map[string]string{
		"index.json":      "{}",
		"shard.00000.bin": "aaa",
		"sub/extra.bin":   "bbb",
	} {
		data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}
}

func TestDownloadDirOverwrite(t *testing.T) {
	ctx := context.Background()
	store := newLocalStore(t)

	src := t.TempDir()
	writeTree(t, src, map[string]string{"file.bin": "new"})
	require.NoError(t, store.UploadDir(ctx, "bucket", "data", src))

	dest := t.TempDir()
	writeTree(t, dest, map[string]string{"file.bin": "old"})

	err := store.DownloadDir(ctx, "bucket", "data", dest, false)
	require.Error(t, err, "existing destination without overwrite is refused")

	require.NoError(t, store.DownloadDir(ctx, "bucket", "data", dest, true))
	data, err := os.ReadFile(filepath.Join(dest, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
