package convert_test

import (
	"context"
	"path/filepath"
	"testing"

	"shardstream/internal/convert"
	"shardstream/internal/dataset"
	"shardstream/internal/shard"
	"shardstream/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeSamples(n int) []dataset.Sample {
	samples := make([]dataset.Sample, n)
	for i := range samples {
		image := make([]byte, dataset.ImageBytes)
		for j := range image {
			image[j] = byte(i)
		}
		samples[i] = dataset.Sample{Image: image, Label: i % dataset.NumClasses}
	}
	return samples
}

func TestWriteSplit(t *testing.T) {
	outDir := t.TempDir()

	result, err := convert.WriteSplit("train", makeSamples(100), convert.Options{
		OutDir:         outDir,
		ShardSizeLimit: 64 * 1024,
	})
	require.NoError(t, err)

	assert.Equal(t, "train", result.Split)
	assert.Equal(t, 100, result.Samples)
	assert.Greater(t, result.Shards, 1)
	assert.Greater(t, result.Bytes, int64(100*dataset.ImageBytes))

	reader, err := shard.Open(filepath.Join(outDir, "train"), true)
	require.NoError(t, err)
	assert.Equal(t, 100, reader.Len())
	assert.Equal(t, result.Shards, reader.NumShards())

	record, err := reader.Record(42)
	require.NoError(t, err)
	s, err := dataset.DecodeRecord(record)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Label)
	assert.Equal(t, byte(42), s.Image[0])
}

func TestWriteSplitEmpty(t *testing.T) {
	result, err := convert.WriteSplit("val", nil, convert.Options{OutDir: t.TempDir()})
	require.NoError(t, err)
	assert.Zero(t, result.Samples)
	assert.Zero(t, result.Shards)
}

func TestUploadSplit(t *testing.T) {
	outDir := t.TempDir()
	ctx := context.Background()

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	opts := convert.Options{
		OutDir:         outDir,
		ShardSizeLimit: 64 * 1024,
		Store:          store,
		Bucket:         "shards",
		Prefix:         "cifar10",
	}

	result, err := convert.WriteSplit("val", makeSamples(50), opts)
	require.NoError(t, err)
	require.NoError(t, convert.UploadSplit(ctx, "val", opts))

	objects, err := store.ListObjects(ctx, "shards", "cifar10/val/")
	require.NoError(t, err)
	// One object per shard plus the index.
	assert.Len(t, objects, result.Shards+1)

	data, err := store.GetObject(ctx, "shards", "cifar10/val/"+shard.IndexFileName)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestUploadSplitWithoutStore(t *testing.T) {
	// No store configured means upload is a no-op.
	require.NoError(t, convert.UploadSplit(context.Background(), "train", convert.Options{OutDir: t.TempDir()}))
}
