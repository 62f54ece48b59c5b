package stream

import (
	"context"

	"shardstream/internal/dataset"
	"shardstream/internal/nn"
)

// Batch is a normalized (batch, channel, height, width) image tensor with
// its labels.
type Batch struct {
	Images *nn.Tensor
	Labels []int
}

// Transform optionally rewrites a decoded sample before it is normalized,
// e.g. for augmentation. It must not retain the sample's image slice.
type Transform func(s dataset.Sample) dataset.Sample

type BatchSeq func(yield func(Batch, error) bool)

// Loader batches a dataset's samples into training-ready tensors, scaling
// pixels to [0, 1] and normalizing with the CIFAR-10 per-channel mean and
// std.
type Loader struct {
	ds        *Dataset
	batchSize int
	dropLast  bool
	transform Transform
}

func NewLoader(ds *Dataset, batchSize int, dropLast bool, transform Transform) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Loader{ds: ds, batchSize: batchSize, dropLast: dropLast, transform: transform}
}

func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Steps is the number of batches one epoch yields.
func (l *Loader) Steps() int {
	steps := l.ds.Len() / l.batchSize
	if !l.dropLast && l.ds.Len()%l.batchSize != 0 {
		steps++
	}
	return steps
}

func (l *Loader) Batches(ctx context.Context, epoch int) BatchSeq {
	return func(yield func(Batch, error) bool) {
		images := nn.NewTensor(l.batchSize, dataset.ImageChannels, dataset.ImageHeight, dataset.ImageWidth)
		labels := make([]int, 0, l.batchSize)
		count := 0

		flush := func(final bool) bool {
			if count == 0 {
				return true
			}
			if final && count < l.batchSize {
				if l.dropLast {
					return true
				}
				short := nn.NewTensor(count, dataset.ImageChannels, dataset.ImageHeight, dataset.ImageWidth)
				copy(short.Data, images.Data[:short.Size()])
				return yield(Batch{Images: short, Labels: labels}, nil)
			}
			ok := yield(Batch{Images: images, Labels: labels}, nil)
			images = nn.NewTensor(l.batchSize, dataset.ImageChannels, dataset.ImageHeight, dataset.ImageWidth)
			labels = make([]int, 0, l.batchSize)
			count = 0
			return ok
		}

		stopped := false
		l.ds.Samples(ctx, epoch)(func(s dataset.Sample, err error) bool {
			if err != nil {
				stopped = true
				yield(Batch{}, err)
				return false
			}

			if l.transform != nil {
				s = l.transform(s)
			}

			normalize(s.Image, images.Data[count*dataset.ImageBytes:])
			labels = append(labels, s.Label)
			count++

			if count == l.batchSize {
				if !flush(false) {
					stopped = true
					return false
				}
			}
			return true
		})
		if stopped {
			return
		}

		flush(true)
	}
}

func normalize(image []byte, out []float64) {
	planeSize := dataset.ImageHeight * dataset.ImageWidth
	for c := 0; c < dataset.ImageChannels; c++ {
		mean, std := dataset.Mean[c], dataset.Std[c]
		for i := 0; i < planeSize; i++ {
			v := float64(image[c*planeSize+i]) / 255.0
			out[c*planeSize+i] = (v - mean) / std
		}
	}
}
