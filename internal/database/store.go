package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetOrCreateDataset looks a dataset up by name, creating it if needed.
func GetOrCreateDataset(ctx context.Context, db *gorm.DB, name, sourceURL string) (*Dataset, error) {
	var ds Dataset
	err := db.WithContext(ctx).Where("name = ?", name).First(&ds).Error
	if err == nil {
		return &ds, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error looking up dataset %s: %w", name, err)
	}

	ds = Dataset{
		Id:           uuid.New(),
		Name:         name,
		SourceURL:    sourceURL,
		CreationTime: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&ds).Error; err != nil {
		return nil, fmt.Errorf("error creating dataset %s: %w", name, err)
	}
	return &ds, nil
}

// SetDatasetSplit upserts the shard statistics of one split.
func SetDatasetSplit(ctx context.Context, db *gorm.DB, split DatasetSplit) error {
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dataset_id"}, {Name: "split"}},
		UpdateAll: true,
	}).Create(&split).Error
	if err != nil {
		return fmt.Errorf("error saving dataset split %s: %w", split.Split, err)
	}
	return nil
}

func CreateConversionRun(ctx context.Context, db *gorm.DB, datasetId uuid.UUID) (*ConversionRun, error) {
	run := ConversionRun{
		Id:           uuid.New(),
		DatasetId:    datasetId,
		Status:       JobRunning,
		CreationTime: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		return nil, fmt.Errorf("error creating conversion run: %w", err)
	}
	return &run, nil
}

func CreateTrainingRun(ctx context.Context, db *gorm.DB, run *TrainingRun) error {
	run.Id = uuid.New()
	run.Status = JobRunning
	run.CreationTime = time.Now().UTC()

	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("error creating training run: %w", err)
	}
	return nil
}

func finishUpdates(status, errorMessage string) map[string]any {
	updates := map[string]any{"status": status}
	if status == JobCompleted || status == JobFailed {
		updates["completion_time"] = time.Now().UTC()
	}
	if errorMessage != "" {
		updates["error"] = errorMessage
	}
	return updates
}

func UpdateConversionRunStatus(ctx context.Context, db *gorm.DB, runId uuid.UUID, status, errorMessage string) error {
	if err := db.WithContext(ctx).Model(&ConversionRun{Id: runId}).Updates(finishUpdates(status, errorMessage)).Error; err != nil {
		slog.Error("error updating conversion run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateTrainingRunStatus(ctx context.Context, db *gorm.DB, runId uuid.UUID, status, errorMessage string) error {
	if err := db.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(finishUpdates(status, errorMessage)).Error; err != nil {
		slog.Error("error updating training run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func RecordEpochMetric(ctx context.Context, db *gorm.DB, metric EpochMetric) error {
	if err := db.WithContext(ctx).Create(&metric).Error; err != nil {
		return fmt.Errorf("error recording metric for epoch %d: %w", metric.Epoch, err)
	}
	return nil
}
