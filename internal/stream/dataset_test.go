package stream_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"shardstream/internal/dataset"
	"shardstream/internal/shard"
	"shardstream/internal/storage"
	"shardstream/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSample builds a sample whose image encodes its index, so a streamed
// sample can be traced back to the record it came from.
func testSample(i int) dataset.Sample {
	image := make([]byte, dataset.ImageBytes)
	binary.LittleEndian.PutUint16(image, uint16(i))
	for j := 4; j < len(image); j++ {
		image[j] = byte(i)
	}
	return dataset.Sample{Image: image, Label: i % dataset.NumClasses}
}

func sampleIndex(s dataset.Sample) int {
	return int(binary.LittleEndian.Uint16(s.Image))
}

// writeSplit shards n synthetic samples under root/<split>, small shards so
// streaming touches several of them.
func writeSplit(t *testing.T, root, split string, n int) {
	t.Helper()

	writer, err := shard.NewWriter(filepath.Join(root, split), 64*1024)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, writer.Write(dataset.EncodeRecord(testSample(i))))
	}
	require.NoError(t, writer.Close())
}

func collect(t *testing.T, ds *stream.Dataset, epoch int) []int {
	t.Helper()

	var indices []int
	ds.Samples(context.Background(), epoch)(func(s dataset.Sample, err error) bool {
		require.NoError(t, err)
		indices = append(indices, sampleIndex(s))
		return true
	})
	return indices
}

func TestLocalStreaming(t *testing.T) {
	root := t.TempDir()
	writeSplit(t, root, "train", 100)

	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Local:             root,
		Split:             "train",
		ValidateChecksums: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 100, ds.Len())
	assert.Greater(t, ds.NumShards(), 1)

	indices := collect(t, ds, 0)
	require.Len(t, indices, 100)
	for i, idx := range indices {
		assert.Equal(t, i, idx, "unshuffled order must match write order")
	}

	// Local datasets are left in place by Cleanup.
	require.NoError(t, ds.Cleanup())
	_, err = os.Stat(filepath.Join(root, "train", shard.IndexFileName))
	assert.NoError(t, err)
}

func TestLocalDatasetRequiresDirectory(t *testing.T) {
	_, err := stream.NewDataset(context.Background(), stream.Config{Split: "train"})
	assert.Error(t, err)
}

func TestShuffledEpochsCoverAllSamples(t *testing.T) {
	root := t.TempDir()
	writeSplit(t, root, "train", 200)

	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Local:            root,
		Split:            "train",
		Shuffle:          true,
		ShuffleSeed:      9176,
		ShuffleBlockSize: 32,
	})
	require.NoError(t, err)

	epoch0 := collect(t, ds, 0)
	epoch1 := collect(t, ds, 1)

	assert.NotEqual(t, epoch0, epoch1, "epochs should visit samples in different orders")
	for _, indices := range [][]int{epoch0, epoch1} {
		require.Len(t, indices, 200)
		seen := make(map[int]bool, 200)
		for _, idx := range indices {
			assert.False(t, seen[idx], "sample %d repeated", idx)
			seen[idx] = true
		}
	}

	repeat := collect(t, ds, 0)
	assert.Equal(t, epoch0, repeat, "same seed and epoch must reproduce the order")
}

func uploadSplit(t *testing.T, store storage.ObjectStore, bucket, prefix, root, split string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, store.CreateBucket(ctx, bucket))
	require.NoError(t, store.UploadDir(ctx, bucket, prefix+"/"+split, filepath.Join(root, split)))
}

func TestRemoteStreaming(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 150)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, store, "shards", "cifar10", src, "train")

	cache := t.TempDir()
	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Store:             store,
		Bucket:            "shards",
		Prefix:            "cifar10",
		Local:             cache,
		Split:             "train",
		ValidateChecksums: true,
		Predownload:       2,
	})
	require.NoError(t, err)

	indices := collect(t, ds, 0)
	require.Len(t, indices, 150)
	for i, idx := range indices {
		assert.Equal(t, i, idx)
	}

	// The cache split directory is removed on Cleanup.
	require.NoError(t, ds.Cleanup())
	_, err = os.Stat(filepath.Join(cache, "train"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoteStreamingTempCache(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "val", 40)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, store, "shards", "cifar10", src, "val")

	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Store:   store,
		Bucket:  "shards",
		Prefix:  "cifar10",
		Split:   "val",
		// KeepCache has no effect on a cache directory the dataset created.
		KeepCache: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 40, ds.Len())
	indices := collect(t, ds, 0)
	assert.Len(t, indices, 40)

	require.NoError(t, ds.Cleanup())
}

func TestRemoteKeepCache(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 30)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, store, "shards", "cifar10", src, "train")

	cache := t.TempDir()
	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Store:     store,
		Bucket:    "shards",
		Prefix:    "cifar10",
		Local:     cache,
		Split:     "train",
		KeepCache: true,
	})
	require.NoError(t, err)

	collect(t, ds, 0)
	require.NoError(t, ds.Cleanup())

	_, err = os.Stat(filepath.Join(cache, "train", shard.IndexFileName))
	assert.NoError(t, err, "KeepCache should preserve the downloaded shards")
}

// flakyStore fails the first failures download attempts per key.
type flakyStore struct {
	storage.ObjectStore

	failures int

	mu       sync.Mutex
	attempts map[string]int
}

func (s *flakyStore) DownloadObject(ctx context.Context, bucket, key, filename string) error {
	s.mu.Lock()
	if s.attempts == nil {
		s.attempts = make(map[string]int)
	}
	s.attempts[key]++
	n := s.attempts[key]
	s.mu.Unlock()

	if n <= s.failures {
		return fmt.Errorf("transient failure %d for %s", n, key)
	}
	return s.ObjectStore.DownloadObject(ctx, bucket, key, filename)
}

func TestRemoteStreamingRetriesDownloads(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 50)

	local, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, local, "shards", "cifar10", src, "train")

	store := &flakyStore{ObjectStore: local, failures: 2}

	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Store:             store,
		Bucket:            "shards",
		Prefix:            "cifar10",
		Local:             t.TempDir(),
		Split:             "train",
		DownloadRetry:     2,
		ValidateChecksums: true,
	})
	require.NoError(t, err)

	indices := collect(t, ds, 0)
	assert.Len(t, indices, 50)
	require.NoError(t, ds.Cleanup())
}

// A shuffled epoch interleaves samples from many shards before finishing any
// of them, so streaming must make progress even when the epoch order touches
// far more distinct shards than Predownload allows in flight.
func TestRemoteShuffledStreamingWithSmallPredownload(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 120)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, store, "shards", "cifar10", src, "train")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ds, err := stream.NewDataset(ctx, stream.Config{
		Store:             store,
		Bucket:            "shards",
		Prefix:            "cifar10",
		Local:             t.TempDir(),
		Split:             "train",
		ValidateChecksums: true,
		Predownload:       1,
		Shuffle:           true,
		ShuffleSeed:       9176,
		// One block spanning the whole epoch, so consecutive samples hop
		// between shards constantly.
		ShuffleBlockSize: 120,
	})
	require.NoError(t, err)
	assert.Greater(t, ds.NumShards(), 2)

	var indices []int
	var iterErr error
	ds.Samples(ctx, 0)(func(s dataset.Sample, err error) bool {
		if err != nil {
			iterErr = err
			return false
		}
		indices = append(indices, sampleIndex(s))
		return true
	})
	require.NoError(t, iterErr, "shuffled remote epoch must not stall")

	require.Len(t, indices, 120)
	seen := make(map[int]bool, 120)
	for _, idx := range indices {
		assert.False(t, seen[idx], "sample %d repeated", idx)
		seen[idx] = true
	}

	require.NoError(t, ds.Cleanup())
}

func TestRemoteStreamingZeroRetries(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 10)

	local, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, local, "shards", "cifar10", src, "train")

	store := &flakyStore{ObjectStore: local, failures: 1}

	_, err = stream.NewDataset(context.Background(), stream.Config{
		Store:         store,
		Bucket:        "shards",
		Prefix:        "cifar10",
		Local:         t.TempDir(),
		Split:         "train",
		DownloadRetry: 0,
	})
	require.Error(t, err, "zero retries must fail on the first download error")
	assert.Contains(t, err.Error(), "after 1 attempt")
}

func TestRemoteStreamingExhaustsRetries(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 10)

	local, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, local, "shards", "cifar10", src, "train")

	store := &flakyStore{ObjectStore: local, failures: 100}

	_, err = stream.NewDataset(context.Background(), stream.Config{
		Store:         store,
		Bucket:        "shards",
		Prefix:        "cifar10",
		Local:         t.TempDir(),
		Split:         "train",
		DownloadRetry: 1,
	})
	require.Error(t, err, "index download should fail once retries are exhausted")
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestStreamingStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeSplit(t, root, "train", 50)

	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Local: root,
		Split: "train",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var yielded int
	var sawErr error
	ds.Samples(ctx, 0)(func(s dataset.Sample, err error) bool {
		if err != nil {
			sawErr = err
			return false
		}
		yielded++
		if yielded == 10 {
			cancel()
		}
		return true
	})

	assert.Equal(t, 10, yielded)
	assert.ErrorIs(t, sawErr, context.Canceled)
}

// stallingStore parks the download of one key until its context is
// cancelled, signalling both when the download starts and when it is let go.
type stallingStore struct {
	storage.ObjectStore

	stallKey string
	started  chan struct{}
	released chan struct{}
}

func (s *stallingStore) DownloadObject(ctx context.Context, bucket, key, filename string) error {
	if strings.HasSuffix(key, s.stallKey) {
		close(s.started)
		<-ctx.Done()
		close(s.released)
		return ctx.Err()
	}
	return s.ObjectStore.DownloadObject(ctx, bucket, key, filename)
}

// A consumer that walks away from Samples without cancelling its own context
// must still shut down the background downloads.
func TestAbandonedIterationStopsPrefetch(t *testing.T) {
	src := t.TempDir()
	writeSplit(t, src, "train", 60)

	local, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	uploadSplit(t, local, "shards", "cifar10", src, "train")

	store := &stallingStore{
		ObjectStore: local,
		stallKey:    "shard.00002.bin",
		started:     make(chan struct{}),
		released:    make(chan struct{}),
	}

	ds, err := stream.NewDataset(context.Background(), stream.Config{
		Store:       store,
		Bucket:      "shards",
		Prefix:      "cifar10",
		Local:       t.TempDir(),
		Split:       "train",
		Predownload: 4,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, ds.NumShards(), 3)

	// Take one sample and stop, leaving the stalled shard in flight.
	ds.Samples(context.Background(), 0)(func(s dataset.Sample, err error) bool {
		require.NoError(t, err)
		<-store.started
		return false
	})

	select {
	case <-store.released:
	case <-time.After(5 * time.Second):
		t.Fatal("prefetch download kept running after iteration stopped")
	}
	require.NoError(t, ds.Cleanup())
}
