package convert

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"shardstream/internal/dataset"
	"shardstream/internal/shard"
	"shardstream/internal/storage"

	"github.com/schollz/progressbar/v3"
)

type Options struct {
	OutDir         string
	ShardSizeLimit int64

	// Upload destination; no upload happens when Store is nil.
	Store  storage.ObjectStore
	Bucket string
	Prefix string

	ProgressBar bool
}

type SplitResult struct {
	Split   string
	Samples int
	Shards  int
	Bytes   int64
}

// WriteSplit shards the samples of one split under OutDir/<split>.
func WriteSplit(split string, samples []dataset.Sample, opts Options) (SplitResult, error) {
	dir := filepath.Join(opts.OutDir, split)

	writer, err := shard.NewWriter(dir, opts.ShardSizeLimit)
	if err != nil {
		return SplitResult{}, err
	}

	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions(len(samples),
			progressbar.OptionSetDescription(fmt.Sprintf("writing %s", split)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}

	for _, s := range samples {
		if err := writer.Write(dataset.EncodeRecord(s)); err != nil {
			return SplitResult{}, fmt.Errorf("failed to write %s sample: %w", split, err)
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	if err := writer.Close(); err != nil {
		return SplitResult{}, err
	}

	index, err := shard.ReadIndex(dir)
	if err != nil {
		return SplitResult{}, err
	}

	result := SplitResult{Split: split, Samples: index.TotalSamples, Shards: len(index.Shards)}
	for _, info := range index.Shards {
		result.Bytes += info.Bytes
	}

	slog.Info("split written", "split", split, "samples", result.Samples, "shards", result.Shards, "bytes", result.Bytes)
	return result, nil
}

// UploadSplit pushes one written split to the object store.
func UploadSplit(ctx context.Context, split string, opts Options) error {
	if opts.Store == nil {
		return nil
	}

	if err := opts.Store.CreateBucket(ctx, opts.Bucket); err != nil {
		return err
	}

	src := filepath.Join(opts.OutDir, split)
	prefix := path.Join(opts.Prefix, split)

	if err := opts.Store.UploadDir(ctx, opts.Bucket, prefix, src); err != nil {
		return fmt.Errorf("failed to upload split %s: %w", split, err)
	}

	slog.Info("split uploaded", "split", split, "bucket", opts.Bucket, "prefix", prefix)
	return nil
}
