package train

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shardstream/internal/database"
	"shardstream/internal/nn"
	"shardstream/internal/stream"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"
)

type Config struct {
	Epochs int

	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	// Step decay: every LRDecayEvery epochs the learning rate is scaled by
	// LRDecayFactor. Disabled when LRDecayEvery is 0.
	LRDecayEvery  int
	LRDecayFactor float64

	ProgressBar bool
}

type Summary struct {
	EpochsRun   int
	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64
}

// Trainer drives the train/eval loop over streaming loaders and records one
// metric row per epoch when a database is attached.
type Trainer struct {
	model *nn.ConvNet
	opt   *nn.SGD

	trainLoader *stream.Loader
	valLoader   *stream.Loader

	cfg Config

	db    *gorm.DB // optional
	runId uuid.UUID
}

func NewTrainer(model *nn.ConvNet, trainLoader, valLoader *stream.Loader, cfg Config, db *gorm.DB, runId uuid.UUID) *Trainer {
	return &Trainer{
		model:       model,
		opt:         nn.NewSGD(cfg.LearningRate, cfg.Momentum, cfg.WeightDecay),
		trainLoader: trainLoader,
		valLoader:   valLoader,
		cfg:         cfg,
		db:          db,
		runId:       runId,
	}
}

func (t *Trainer) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()

		trainLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return summary, fmt.Errorf("epoch %d failed: %w", epoch+1, err)
		}

		valLoss, valAcc, err := t.Evaluate(ctx)
		if err != nil {
			return summary, fmt.Errorf("evaluation after epoch %d failed: %w", epoch+1, err)
		}

		elapsed := time.Since(start)
		slog.Info("epoch complete",
			"epoch", epoch+1,
			"train_loss", fmt.Sprintf("%.4f", trainLoss),
			"val_loss", fmt.Sprintf("%.4f", valLoss),
			"val_accuracy", fmt.Sprintf("%.4f", valAcc),
			"duration", elapsed.Round(time.Millisecond))

		if t.db != nil {
			metric := database.EpochMetric{
				RunId:       t.runId,
				Epoch:       epoch + 1,
				TrainLoss:   trainLoss,
				ValLoss:     valLoss,
				ValAccuracy: valAcc,
				DurationMs:  elapsed.Milliseconds(),
			}
			if err := database.RecordEpochMetric(ctx, t.db, metric); err != nil {
				return summary, err
			}
		}

		if t.cfg.LRDecayEvery > 0 && (epoch+1)%t.cfg.LRDecayEvery == 0 {
			t.opt.DecayLR(t.cfg.LRDecayFactor)
			slog.Info("decayed learning rate", "lr", t.opt.LearningRate)
		}

		summary.EpochsRun = epoch + 1
		summary.TrainLoss = trainLoss
		summary.ValLoss = valLoss
		summary.ValAccuracy = valAcc
	}

	return summary, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	var bar *progressbar.ProgressBar
	if t.cfg.ProgressBar {
		bar = progressbar.NewOptions(t.trainLoader.Steps(),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch+1)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}

	totalLoss := 0.0
	batches := 0
	var iterErr error

	t.trainLoader.Batches(ctx, epoch)(func(b stream.Batch, err error) bool {
		if err != nil {
			iterErr = err
			return false
		}

		t.model.ZeroGrad()
		logits := t.model.Forward(b.Images)
		loss, grad := nn.SoftmaxCrossEntropy(logits, b.Labels)
		t.model.Backward(grad)
		t.opt.Step(t.model.Params())

		totalLoss += loss
		batches++
		if bar != nil {
			_ = bar.Add(1)
		}
		return true
	})
	if iterErr != nil {
		return 0, iterErr
	}
	if batches == 0 {
		return 0, fmt.Errorf("training loader yielded no batches")
	}

	return totalLoss / float64(batches), nil
}

// Evaluate runs a forward-only pass over the val loader, returning mean loss
// and top-1 accuracy.
func (t *Trainer) Evaluate(ctx context.Context) (float64, float64, error) {
	totalLoss := 0.0
	batches := 0
	correct, seen := 0, 0
	var iterErr error

	t.valLoader.Batches(ctx, 0)(func(b stream.Batch, err error) bool {
		if err != nil {
			iterErr = err
			return false
		}

		logits := t.model.Forward(b.Images)
		loss, _ := nn.SoftmaxCrossEntropy(logits, b.Labels)

		totalLoss += loss
		batches++

		for i, pred := range logits.Argmax() {
			if pred == b.Labels[i] {
				correct++
			}
			seen++
		}
		return true
	})
	if iterErr != nil {
		return 0, 0, iterErr
	}
	if seen == 0 {
		return 0, 0, fmt.Errorf("validation loader yielded no samples")
	}

	return totalLoss / float64(batches), float64(correct) / float64(seen), nil
}
