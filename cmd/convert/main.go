package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"shardstream/internal/config"
	"shardstream/internal/convert"
	"shardstream/internal/database"
	"shardstream/internal/dataset"
	"shardstream/internal/storage"

	"github.com/caarlos0/env/v11"
	"gorm.io/gorm"
)

type Config struct {
	Root        string `env:"ROOT" envDefault:"./shardstream"`
	DatasetName string `env:"DATASET_NAME" envDefault:"cifar10"`

	SourceURL       string        `env:"SOURCE_URL" envDefault:"https://www.cs.toronto.edu/~kriz"`
	DownloadRetries int           `env:"DOWNLOAD_RETRIES" envDefault:"2"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"10m"`

	ShardSizeLimit int64 `env:"SHARD_SIZE_LIMIT" envDefault:"4194304"`

	// Upload happens when a bucket is configured.
	Bucket string `env:"SHARD_BUCKET"`
	Prefix string `env:"SHARD_PREFIX" envDefault:"cifar10"`

	DatabaseURL string `env:"DATABASE_URL"`

	S3 config.S3Config
}

func main() {
	config.LoadDotEnv()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.Root, "db", "shardstream.db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	ds, err := database.GetOrCreateDataset(ctx, db, cfg.DatasetName, cfg.SourceURL)
	if err != nil {
		log.Fatalf("failed to register dataset: %v", err)
	}

	run, err := database.CreateConversionRun(ctx, db, ds.Id)
	if err != nil {
		log.Fatalf("failed to create conversion run: %v", err)
	}

	if err := runConversion(ctx, db, ds, cfg); err != nil {
		if updateErr := database.UpdateConversionRunStatus(ctx, db, run.Id, database.JobFailed, err.Error()); updateErr != nil {
			slog.Error("failed to mark conversion run failed", "error", updateErr)
		}
		log.Fatalf("conversion failed: %v", err)
	}

	if err := database.UpdateConversionRunStatus(ctx, db, run.Id, database.JobCompleted, ""); err != nil {
		log.Fatalf("failed to mark conversion run completed: %v", err)
	}

	slog.Info("conversion complete", "dataset", cfg.DatasetName, "run_id", run.Id)
}

func runConversion(ctx context.Context, db *gorm.DB, ds *database.Dataset, cfg Config) error {
	downloadDir := filepath.Join(cfg.Root, "downloads")
	outDir := filepath.Join(cfg.Root, "shards", cfg.DatasetName)

	downloader := dataset.NewDownloader(cfg.SourceURL, cfg.DownloadRetries, cfg.DownloadTimeout)
	archive, err := downloader.Fetch(ctx, downloadDir)
	if err != nil {
		return err
	}

	batchesDir, err := dataset.Extract(archive, downloadDir)
	if err != nil {
		return err
	}

	opts := convert.Options{
		OutDir:         outDir,
		ShardSizeLimit: cfg.ShardSizeLimit,
		Bucket:         cfg.Bucket,
		Prefix:         cfg.Prefix,
		ProgressBar:    true,
	}

	if cfg.Bucket != "" {
		store, err := storage.NewS3ObjectStore(cfg.S3.ClientConfig())
		if err != nil {
			return fmt.Errorf("failed to create object store: %w", err)
		}
		opts.Store = store
	}

	splits := []struct {
		name string
		load func(string) ([]dataset.Sample, error)
	}{
		{"train", dataset.LoadTrain},
		{"val", dataset.LoadTest},
	}

	for _, split := range splits {
		samples, err := split.load(batchesDir)
		if err != nil {
			return err
		}

		result, err := convert.WriteSplit(split.name, samples, opts)
		if err != nil {
			return err
		}

		if err := database.SetDatasetSplit(ctx, db, database.DatasetSplit{
			DatasetId: ds.Id,
			Split:     result.Split,
			Samples:   result.Samples,
			Shards:    result.Shards,
			Bytes:     result.Bytes,
		}); err != nil {
			return err
		}

		if err := convert.UploadSplit(ctx, split.name, opts); err != nil {
			return err
		}
	}

	if cfg.Bucket != "" {
		updates := map[string]any{
			"remote_bucket": sql.NullString{String: cfg.Bucket, Valid: true},
			"remote_prefix": sql.NullString{String: cfg.Prefix, Valid: true},
		}
		if err := db.WithContext(ctx).Model(&database.Dataset{Id: ds.Id}).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to record remote location: %w", err)
		}
	}

	slog.Info("shards written", "dir", outDir)
	if _, err := os.Stat(outDir); err != nil {
		return fmt.Errorf("shard output directory missing after conversion: %w", err)
	}
	return nil
}
