package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
)

// Dataset is one converted dataset, identified by name.
type Dataset struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name      string `gorm:"uniqueIndex;not null"`
	SourceURL string

	// Remote location of the uploaded shards, if any.
	RemoteBucket sql.NullString
	RemotePrefix sql.NullString

	CreationTime time.Time

	Splits []DatasetSplit `gorm:"foreignKey:DatasetId;constraint:OnDelete:CASCADE"`
}

type DatasetSplit struct {
	DatasetId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Split     string    `gorm:"primaryKey"`

	Samples int
	Shards  int
	Bytes   int64
}

// ConversionRun records one execution of the convert pipeline.
type ConversionRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	DatasetId uuid.UUID `gorm:"type:uuid"`
	Dataset   *Dataset  `gorm:"foreignKey:DatasetId"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime
	Error          string
}

// TrainingRun records one execution of the training pipeline along with its
// hyperparameters.
type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	DatasetId uuid.UUID `gorm:"type:uuid"`
	Dataset   *Dataset  `gorm:"foreignKey:DatasetId"`

	Status         string `gorm:"size:20;not null"`
	CreationTime   time.Time
	CompletionTime sql.NullTime
	Error          string

	Epochs       int
	BatchSize    int
	LearningRate float64
	ShuffleSeed  int64

	CheckpointPath string

	Metrics []EpochMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

// EpochMetric is one row per finished epoch of a training run.
type EpochMetric struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch int       `gorm:"primaryKey"`

	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64

	DurationMs int64
}
