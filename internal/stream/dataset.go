package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"shardstream/internal/dataset"
	"shardstream/internal/shard"
	"shardstream/internal/storage"
)

const (
	// DefaultDownloadRetry is the retry count the binaries configure when
	// the environment does not override it. Config itself treats zero as
	// "no retries", so it cannot default the field.
	DefaultDownloadRetry    = 2
	DefaultDownloadTimeout  = 60 * time.Second
	DefaultPredownload      = 8
	DefaultShuffleSeed      = 9176
	DefaultShuffleBlockSize = 1 << 14
)

type Config struct {
	// Remote source. When Store is nil the dataset is read straight from
	// Local with no downloading.
	Store  storage.ObjectStore
	Bucket string
	Prefix string // remote prefix containing the split subdirectories

	// Local is the shard directory root (the cache directory in remote
	// mode). A temp directory is created when unset in remote mode.
	Local string
	Split string

	DownloadRetry     int           // extra attempts after a failed shard download; zero means a single attempt
	DownloadTimeout   time.Duration // per-attempt limit
	ValidateChecksums bool
	KeepCache         bool // keep downloaded shards after Cleanup

	// Predownload bounds how many shards may be fetched ahead of the one
	// the sample loop is currently on.
	Predownload int

	Shuffle          bool
	ShuffleSeed      int64
	ShuffleBlockSize int
}

func (c Config) withDefaults() Config {
	if c.DownloadRetry < 0 {
		c.DownloadRetry = 0
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.Predownload <= 0 {
		c.Predownload = DefaultPredownload
	}
	if c.ShuffleSeed == 0 {
		c.ShuffleSeed = DefaultShuffleSeed
	}
	if c.ShuffleBlockSize <= 0 {
		c.ShuffleBlockSize = DefaultShuffleBlockSize
	}
	return c
}

// Dataset streams the samples of one converted split, either from a local
// shard directory or from an object store through a local cache.
type Dataset struct {
	cfg    Config
	dir    string
	remote bool

	// ownsLocal marks a temp cache directory created by us, removed by
	// Cleanup regardless of KeepCache.
	ownsLocal bool

	reader *shard.Reader
}

// SampleSeq yields samples in epoch order until exhausted or failed. The
// yielded sample's image aliases shard memory and must be consumed before
// the next iteration step.
type SampleSeq func(yield func(dataset.Sample, error) bool)

func NewDataset(ctx context.Context, cfg Config) (*Dataset, error) {
	cfg = cfg.withDefaults()

	d := &Dataset{cfg: cfg, remote: cfg.Store != nil}

	if cfg.Local == "" {
		if !d.remote {
			return nil, fmt.Errorf("local shard directory is required for a local dataset")
		}
		local, err := os.MkdirTemp("", "shardstream-cache-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		cfg.Local = local
		d.cfg.Local = local
		d.ownsLocal = true
	}

	d.dir = filepath.Join(cfg.Local, cfg.Split)

	if d.remote {
		if err := d.fetch(ctx, shard.IndexFileName, ""); err != nil {
			return nil, err
		}
	}

	reader, err := shard.Open(d.dir, cfg.ValidateChecksums)
	if err != nil {
		return nil, err
	}
	d.reader = reader

	return d, nil
}

func (d *Dataset) Len() int {
	return d.reader.Len()
}

func (d *Dataset) NumShards() int {
	return d.reader.NumShards()
}

func (d *Dataset) remoteKey(name string) string {
	return path.Join(d.cfg.Prefix, d.cfg.Split, name)
}

// fetch downloads one file of the split into the cache, retrying on failure.
// A non-empty checksum is verified after each attempt.
func (d *Dataset) fetch(ctx context.Context, name, checksum string) error {
	dest := filepath.Join(d.dir, name)
	attempts := d.cfg.DownloadRetry + 1

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		dctx, cancel := context.WithTimeout(ctx, d.cfg.DownloadTimeout)
		err := d.cfg.Store.DownloadObject(dctx, d.cfg.Bucket, d.remoteKey(name), dest)
		cancel()

		if err == nil && checksum != "" {
			var data []byte
			if data, err = os.ReadFile(dest); err == nil {
				err = shard.VerifyChecksum(data, checksum)
			}
		}
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("download failed", "key", d.remoteKey(name), "attempt", i+1, "error", err)
	}

	return fmt.Errorf("failed to download %s after %d attempts: %w", d.remoteKey(name), attempts, lastErr)
}

// ensureShard makes shard s available on local disk.
func (d *Dataset) ensureShard(ctx context.Context, s int) error {
	info := d.reader.Index().Shards[s]
	local := filepath.Join(d.dir, info.Name)

	if fi, err := os.Stat(local); err == nil && fi.Size() == info.Bytes {
		if !d.cfg.ValidateChecksums {
			return nil
		}
		if data, err := os.ReadFile(local); err == nil && shard.VerifyChecksum(data, info.Checksum) == nil {
			return nil
		}
		slog.Warn("cached shard failed validation, re-downloading", "shard", info.Name)
	}

	if !d.remote {
		return fmt.Errorf("shard %s is missing from local dataset %s", info.Name, d.dir)
	}

	checksum := ""
	if d.cfg.ValidateChecksums {
		checksum = info.Checksum
	}
	return d.fetch(ctx, info.Name, checksum)
}

// Samples iterates the dataset once in the order of the given epoch. Shard
// data is released as soon as its last sample of the epoch is yielded.
func (d *Dataset) Samples(ctx context.Context, epoch int) SampleSeq {
	return func(yield func(dataset.Sample, error) bool) {
		// The derived context stops the prefetch feeder and workers on every
		// exit path, including a consumer abandoning the iteration.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		order := epochOrder(d.Len(), d.cfg.Shuffle, d.cfg.ShuffleSeed, epoch, d.cfg.ShuffleBlockSize)

		shardOf := make([]int, len(order))
		remaining := make([]int, d.reader.NumShards())
		for i, idx := range order {
			s := d.reader.ShardOf(idx)
			shardOf[i] = s
			remaining[s]++
		}

		var pf *prefetcher
		if d.remote {
			pf = d.startPrefetch(ctx, shardOf)
		}

		for i, idx := range order {
			if err := ctx.Err(); err != nil {
				yield(dataset.Sample{}, err)
				return
			}

			s := shardOf[i]
			if pf != nil {
				if err := pf.wait(ctx, s); err != nil {
					yield(dataset.Sample{}, err)
					return
				}
			}

			record, err := d.reader.Record(idx)
			if err != nil {
				yield(dataset.Sample{}, err)
				return
			}

			sample, err := dataset.DecodeRecord(record)
			if err != nil {
				yield(dataset.Sample{}, fmt.Errorf("sample %d: %w", idx, err))
				return
			}

			if !yield(sample, nil) {
				return
			}

			remaining[s]--
			if remaining[s] == 0 {
				d.reader.ReleaseShard(s)
			}
		}
	}
}

// Cleanup removes the local cache of a remote dataset unless KeepCache is
// set. Local datasets are left untouched.
func (d *Dataset) Cleanup() error {
	if !d.remote {
		return nil
	}
	if d.cfg.KeepCache && !d.ownsLocal {
		return nil
	}

	target := d.dir
	if d.ownsLocal {
		target = d.cfg.Local
	}

	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to remove shard cache %s: %w", target, err)
	}
	return nil
}
