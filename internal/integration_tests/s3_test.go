package integrationtests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shardstream/internal/dataset"
	"shardstream/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func TestS3ObjectStore_PutObject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))

	key := "test-dir/test-file.bin"
	content := []byte("Test content")

	require.NoError(t, objectStore.PutObject(ctx, bucketName, key, bytes.NewReader(content)))

	data, err := objectStore.GetObject(ctx, bucketName, key)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestS3ObjectStore_CreateBucketTwice(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))
}

func TestS3ObjectStore_DeleteObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))

	files := []string{"test-dir/file1.bin", "test-dir/subdir/file2.bin", "other-dir/file3.bin"}
	for _, file := range files {
		require.NoError(t, objectStore.PutObject(ctx, bucketName, file, strings.NewReader("content: "+file)))
	}

	objs, err := objectStore.ListObjects(ctx, bucketName, "test-dir")
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	require.NoError(t, objectStore.DeleteObjects(ctx, bucketName, "test-dir"))

	objs, err = objectStore.ListObjects(ctx, bucketName, "test-dir")
	require.NoError(t, err)
	assert.Len(t, objs, 0)
}

func TestS3ObjectStore_UploadDownloadDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))

	srcDir := t.TempDir()
	files := []string{"file1.bin", "file2.bin", "subdir/file3.bin"}
	for _, file := range files {
		path := filepath.Join(srcDir, file)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
		require.NoError(t, os.WriteFile(path, []byte("content: "+file), os.ModePerm))
	}

	require.NoError(t, objectStore.UploadDir(ctx, bucketName, "uploaded", srcDir))

	destDir := filepath.Join(t.TempDir(), "download-target")
	require.NoError(t, objectStore.DownloadDir(ctx, bucketName, "uploaded", destDir, false))

	for _, file := range files {
		data, err := os.ReadFile(filepath.Join(destDir, file))
		require.NoError(t, err)
		assert.Equal(t, "content: "+file, string(data))
	}
}

func TestStreamShardsFromS3(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	objectStore := setupTestObjectStore(t, ctx)
	require.NoError(t, objectStore.CreateBucket(ctx, bucketName))

	const numSamples = 200

	shardRoot := t.TempDir()
	writeTestSplit(t, shardRoot, "train", numSamples)
	require.NoError(t, objectStore.UploadDir(ctx, bucketName, "cifar10/train", filepath.Join(shardRoot, "train")))

	ds, err := stream.NewDataset(ctx, stream.Config{
		Store:             objectStore,
		Bucket:            bucketName,
		Prefix:            "cifar10",
		Local:             t.TempDir(),
		Split:             "train",
		ValidateChecksums: true,
		Predownload:       2,
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Cleanup()) }()

	assert.Equal(t, numSamples, ds.Len())
	assert.Greater(t, ds.NumShards(), 1)

	seen := 0
	ds.Samples(ctx, 0)(func(s dataset.Sample, err error) bool {
		require.NoError(t, err)
		assert.Equal(t, seen%dataset.NumClasses, s.Label)
		assert.Equal(t, byte(seen), s.Image[0])
		seen++
		return true
	})
	assert.Equal(t, numSamples, seen)
}
