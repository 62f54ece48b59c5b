package api

import (
	"time"

	"github.com/google/uuid"
)

type SplitInfo struct {
	Split   string
	Samples int
	Shards  int
	Bytes   int64
}

type Dataset struct {
	Id        uuid.UUID
	Name      string
	SourceURL string

	RemoteBucket string `json:",omitempty"`
	RemotePrefix string `json:",omitempty"`

	CreationTime time.Time

	Splits []SplitInfo
}

type ListDatasetsResponse struct {
	Datasets []Dataset
}

type EpochMetric struct {
	Epoch       int
	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64
	DurationMs  int64
}

type TrainingRun struct {
	Id        uuid.UUID
	DatasetId uuid.UUID

	Status         string
	CreationTime   time.Time
	CompletionTime *time.Time `json:",omitempty"`
	Error          string     `json:",omitempty"`

	Epochs       int
	BatchSize    int
	LearningRate float64
	ShuffleSeed  int64

	Metrics []EpochMetric `json:",omitempty"`
}

type ListRunsResponse struct {
	Runs []TrainingRun
}

// ListRunsQuery is decoded from query parameters.
type ListRunsQuery struct {
	DatasetId string `schema:"dataset_id"`
	Status    string `schema:"status"`
}
