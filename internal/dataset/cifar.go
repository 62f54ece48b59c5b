package dataset

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"shardstream/internal/utils"
)

// CIFAR-10 binary layout: each record is one label byte followed by a
// 32x32x3 image stored channel-planar (1024 red, 1024 green, 1024 blue).
const (
	ImageWidth    = 32
	ImageHeight   = 32
	ImageChannels = 3
	ImageBytes    = ImageChannels * ImageHeight * ImageWidth
	recordBytes   = 1 + ImageBytes

	NumClasses = 10
)

var Classes = [NumClasses]string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// Per-channel normalization constants for CIFAR-10 (RGB), computed over the
// training split with pixel values scaled to [0, 1].
var (
	Mean = [ImageChannels]float64{0.4914, 0.4822, 0.4465}
	Std  = [ImageChannels]float64{0.2470, 0.2435, 0.2616}
)

type Sample struct {
	Image []byte // ImageBytes long, channel-planar
	Label int
}

// EncodeRecord serializes a sample into the shard record encoding: a
// little-endian uint32 label followed by the raw image bytes.
func EncodeRecord(s Sample) []byte {
	record := make([]byte, 4+len(s.Image))
	binary.LittleEndian.PutUint32(record, uint32(s.Label))
	copy(record[4:], s.Image)
	return record
}

func DecodeRecord(record []byte) (Sample, error) {
	if len(record) != 4+ImageBytes {
		return Sample{}, fmt.Errorf("invalid record length %d, expected %d", len(record), 4+ImageBytes)
	}

	label := int(binary.LittleEndian.Uint32(record))
	if label < 0 || label >= NumClasses {
		return Sample{}, fmt.Errorf("invalid label %d in record", label)
	}

	return Sample{Image: record[4 : 4+ImageBytes], Label: label}, nil
}

// ReadBatch parses a CIFAR-10 binary batch file (e.g. data_batch_1.bin).
func ReadBatch(r io.Reader) ([]Sample, error) {
	var samples []Sample
	record := make([]byte, recordBytes)

	for {
		_, err := io.ReadFull(r, record)
		if err == io.EOF {
			return samples, nil
		}
		if err != nil {
			return nil, fmt.Errorf("truncated record at sample %d: %w", len(samples), err)
		}

		label := int(record[0])
		if label >= NumClasses {
			return nil, fmt.Errorf("invalid label %d at sample %d", label, len(samples))
		}

		image := make([]byte, ImageBytes)
		copy(image, record[1:])
		samples = append(samples, Sample{Image: image, Label: label})
	}
}

func readBatchFile(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file %s: %w", path, err)
	}
	defer file.Close()

	samples, err := ReadBatch(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}
	return samples, nil
}

// LoadTrain parses the five training batches from an extracted archive
// directory. Batch files are parsed in parallel but samples keep their
// original batch order.
func LoadTrain(dir string) ([]Sample, error) {
	paths := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		paths = append(paths, filepath.Join(dir, fmt.Sprintf("data_batch_%d.bin", i)))
	}

	batches, err := utils.Map(paths, len(paths), readBatchFile)
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for _, batch := range batches {
		samples = append(samples, batch...)
	}
	return samples, nil
}

// LoadTest parses the held-out test batch, used as the val split.
func LoadTest(dir string) ([]Sample, error) {
	return readBatchFile(filepath.Join(dir, "test_batch.bin"))
}
