package api

import (
	"errors"
	"log/slog"
	"net/http"

	"shardstream/internal/database"
	"shardstream/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RegistryService is a read-only view over the run registry: which datasets
// have been converted, where their shards live, and how training runs on
// them went.
type RegistryService struct {
	db *gorm.DB
}

func NewRegistryService(db *gorm.DB) *RegistryService {
	return &RegistryService{db: db}
}

func (s *RegistryService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/datasets", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListDatasets))
		r.Get("/{dataset_id}", RestHandler(s.GetDataset))
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", RestHandler(s.ListRuns))
		r.Get("/{run_id}", RestHandler(s.GetRun))
	})
}

func (s *RegistryService) ListDatasets(r *http.Request) (any, error) {
	var datasets []database.Dataset
	if err := s.db.WithContext(r.Context()).Preload("Splits").Find(&datasets).Error; err != nil {
		slog.Error("error listing datasets", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to list datasets")
	}

	res := api.ListDatasetsResponse{Datasets: make([]api.Dataset, len(datasets))}
	for i, ds := range datasets {
		res.Datasets[i] = convertDataset(ds)
	}
	return res, nil
}

func (s *RegistryService) GetDataset(r *http.Request) (any, error) {
	datasetId, err := URLParamUUID(r, "dataset_id")
	if err != nil {
		return nil, err
	}

	var ds database.Dataset
	if err := s.db.WithContext(r.Context()).Preload("Splits").First(&ds, "id = ?", datasetId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "dataset not found")
		}
		slog.Error("error getting dataset", "dataset_id", datasetId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to get dataset")
	}

	return convertDataset(ds), nil
}

func (s *RegistryService) ListRuns(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[api.ListRunsQuery](r)
	if err != nil {
		return nil, err
	}

	txn := s.db.WithContext(r.Context())
	if query.DatasetId != "" {
		datasetId, err := uuid.Parse(query.DatasetId)
		if err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid dataset_id query parameter")
		}
		txn = txn.Where("dataset_id = ?", datasetId)
	}
	if query.Status != "" {
		txn = txn.Where("status = ?", query.Status)
	}

	var runs []database.TrainingRun
	if err := txn.Order("creation_time desc").Find(&runs).Error; err != nil {
		slog.Error("error listing training runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to list training runs")
	}

	res := api.ListRunsResponse{Runs: make([]api.TrainingRun, len(runs))}
	for i, run := range runs {
		res.Runs[i] = convertRun(run)
	}
	return res, nil
}

func (s *RegistryService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	var run database.TrainingRun
	if err := s.db.WithContext(r.Context()).Preload("Metrics", func(db *gorm.DB) *gorm.DB {
		return db.Order("epoch")
	}).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "training run not found")
		}
		slog.Error("error getting training run", "run_id", runId, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to get training run")
	}

	return convertRun(run), nil
}

func convertDataset(ds database.Dataset) api.Dataset {
	out := api.Dataset{
		Id:           ds.Id,
		Name:         ds.Name,
		SourceURL:    ds.SourceURL,
		CreationTime: ds.CreationTime,
		Splits:       make([]api.SplitInfo, len(ds.Splits)),
	}
	if ds.RemoteBucket.Valid {
		out.RemoteBucket = ds.RemoteBucket.String
	}
	if ds.RemotePrefix.Valid {
		out.RemotePrefix = ds.RemotePrefix.String
	}
	for i, split := range ds.Splits {
		out.Splits[i] = api.SplitInfo{
			Split:   split.Split,
			Samples: split.Samples,
			Shards:  split.Shards,
			Bytes:   split.Bytes,
		}
	}
	return out
}

func convertRun(run database.TrainingRun) api.TrainingRun {
	out := api.TrainingRun{
		Id:           run.Id,
		DatasetId:    run.DatasetId,
		Status:       run.Status,
		CreationTime: run.CreationTime,
		Error:        run.Error,
		Epochs:       run.Epochs,
		BatchSize:    run.BatchSize,
		LearningRate: run.LearningRate,
		ShuffleSeed:  run.ShuffleSeed,
	}
	if run.CompletionTime.Valid {
		t := run.CompletionTime.Time
		out.CompletionTime = &t
	}
	for _, m := range run.Metrics {
		out.Metrics = append(out.Metrics, api.EpochMetric{
			Epoch:       m.Epoch,
			TrainLoss:   m.TrainLoss,
			ValLoss:     m.ValLoss,
			ValAccuracy: m.ValAccuracy,
			DurationMs:  m.DurationMs,
		})
	}
	return out
}
