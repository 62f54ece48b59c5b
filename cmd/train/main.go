package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"shardstream/internal/config"
	"shardstream/internal/database"
	"shardstream/internal/dataset"
	"shardstream/internal/nn"
	"shardstream/internal/storage"
	"shardstream/internal/stream"
	"shardstream/internal/train"

	"github.com/caarlos0/env/v11"
	"gorm.io/gorm"
)

type Config struct {
	Root        string `env:"ROOT" envDefault:"./shardstream"`
	DatasetName string `env:"DATASET_NAME" envDefault:"cifar10"`

	// Local shard directory. Ignored when streaming remotely, in which
	// case CACHE_DIR (or a temp dir) holds downloaded shards.
	ShardDir string `env:"SHARD_DIR"`
	CacheDir string `env:"CACHE_DIR"`

	// Remote streaming source; local shards are used when unset.
	Bucket string `env:"SHARD_BUCKET"`
	Prefix string `env:"SHARD_PREFIX" envDefault:"cifar10"`

	DownloadRetry     int           `env:"DOWNLOAD_RETRY" envDefault:"2"`
	DownloadTimeout   time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"60s"`
	ValidateChecksums bool          `env:"VALIDATE_CHECKSUMS" envDefault:"true"`
	KeepCache         bool          `env:"KEEP_CACHE" envDefault:"false"`
	Predownload       int           `env:"PREDOWNLOAD" envDefault:"8"`

	Epochs       int     `env:"EPOCHS" envDefault:"10"`
	BatchSize    int     `env:"BATCH_SIZE" envDefault:"64"`
	LearningRate float64 `env:"LEARNING_RATE" envDefault:"0.01"`
	Momentum     float64 `env:"MOMENTUM" envDefault:"0.9"`
	WeightDecay  float64 `env:"WEIGHT_DECAY" envDefault:"0.0005"`
	LRDecayEvery int     `env:"LR_DECAY_EVERY" envDefault:"5"`
	LRDecay      float64 `env:"LR_DECAY" envDefault:"0.5"`

	ShuffleSeed      int64 `env:"SHUFFLE_SEED" envDefault:"9176"`
	ShuffleBlockSize int   `env:"SHUFFLE_BLOCK_SIZE" envDefault:"16384"`
	InitSeed         int64 `env:"INIT_SEED" envDefault:"42"`

	CheckpointPath string `env:"CHECKPOINT_PATH"`
	DatabaseURL    string `env:"DATABASE_URL"`

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
	if cfg.ShardDir == "" {
		cfg.ShardDir = filepath.Join(cfg.Root, "shards", cfg.DatasetName)
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = filepath.Join(cfg.Root, "checkpoints", cfg.DatasetName+".ckpt")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	ds, err := database.GetOrCreateDataset(ctx, db, cfg.DatasetName, "")
	if err != nil {
		log.Fatalf("failed to look up dataset: %v", err)
	}

	run := &database.TrainingRun{
		DatasetId:      ds.Id,
		Epochs:         cfg.Epochs,
		BatchSize:      cfg.BatchSize,
		LearningRate:   cfg.LearningRate,
		ShuffleSeed:    cfg.ShuffleSeed,
		CheckpointPath: cfg.CheckpointPath,
	}
	if err := database.CreateTrainingRun(ctx, db, run); err != nil {
		log.Fatalf("failed to create training run: %v", err)
	}

	if err := runTraining(ctx, db, run, cfg); err != nil {
		if updateErr := database.UpdateTrainingRunStatus(ctx, db, run.Id, database.JobFailed, err.Error()); updateErr != nil {
			slog.Error("failed to mark training run failed", "error", updateErr)
		}
		log.Fatalf("training failed: %v", err)
	}

	if err := database.UpdateTrainingRunStatus(ctx, db, run.Id, database.JobCompleted, ""); err != nil {
		log.Fatalf("failed to mark training run completed: %v", err)
	}

	slog.Info("training complete", "run_id", run.Id, "checkpoint", cfg.CheckpointPath)
}

func runTraining(ctx context.Context, db *gorm.DB, run *database.TrainingRun, cfg Config) error {
	streamCfg := stream.Config{
		Local:             cfg.ShardDir,
		DownloadRetry:     cfg.DownloadRetry,
		DownloadTimeout:   cfg.DownloadTimeout,
		ValidateChecksums: cfg.ValidateChecksums,
		KeepCache:         cfg.KeepCache,
		Predownload:       cfg.Predownload,
		ShuffleSeed:       cfg.ShuffleSeed,
		ShuffleBlockSize:  cfg.ShuffleBlockSize,
	}

	if cfg.Bucket != "" {
		store, err := storage.NewS3ObjectStore(cfg.S3.ClientConfig())
		if err != nil {
			return err
		}
		streamCfg.Store = store
		streamCfg.Bucket = cfg.Bucket
		streamCfg.Prefix = cfg.Prefix
		streamCfg.Local = cfg.CacheDir
	}

	trainCfg := streamCfg
	trainCfg.Split = "train"
	trainCfg.Shuffle = true

	valCfg := streamCfg
	valCfg.Split = "val"

	trainDS, err := stream.NewDataset(ctx, trainCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := trainDS.Cleanup(); err != nil {
			slog.Error("failed to clean up train cache", "error", err)
		}
	}()

	valDS, err := stream.NewDataset(ctx, valCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := valDS.Cleanup(); err != nil {
			slog.Error("failed to clean up val cache", "error", err)
		}
	}()

	slog.Info("streaming dataset ready",
		"train_samples", trainDS.Len(), "train_shards", trainDS.NumShards(),
		"val_samples", valDS.Len(), "val_shards", valDS.NumShards(),
		"remote", cfg.Bucket != "")

	trainLoader := stream.NewLoader(trainDS, cfg.BatchSize, true, nil)
	valLoader := stream.NewLoader(valDS, cfg.BatchSize, false, nil)

	model := nn.NewConvNet(dataset.NumClasses, cfg.InitSeed)

	trainer := train.NewTrainer(model, trainLoader, valLoader, train.Config{
		Epochs:        cfg.Epochs,
		LearningRate:  cfg.LearningRate,
		Momentum:      cfg.Momentum,
		WeightDecay:   cfg.WeightDecay,
		LRDecayEvery:  cfg.LRDecayEvery,
		LRDecayFactor: cfg.LRDecay,
		ProgressBar:   true,
	}, db, run.Id)

	summary, err := trainer.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("final metrics",
		"epochs", summary.EpochsRun,
		"val_loss", summary.ValLoss,
		"val_accuracy", summary.ValAccuracy)

	return nn.SaveCheckpoint(cfg.CheckpointPath, model.Params())
}
