package shard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	IndexFileName = "index.json"

	FormatVersion = 1
)

// shardMagic marks the start of every shard file.
var shardMagic = [4]byte{'S', 'H', 'R', 'D'}

type ShardInfo struct {
	Name     string `json:"name"`
	Samples  int    `json:"samples"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum"` // "sha256:<hex>"
}

type Index struct {
	Version      int         `json:"version"`
	TotalSamples int         `json:"total_samples"`
	Shards       []ShardInfo `json:"shards"`
}

func ReadIndex(dir string) (*Index, error) {
	path := filepath.Join(dir, IndexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", path, err)
	}

	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index %s: %w", path, err)
	}

	if index.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported index version %d in %s, expected %d", index.Version, path, FormatVersion)
	}

	total := 0
	for _, info := range index.Shards {
		total += info.Samples
	}
	if total != index.TotalSamples {
		return nil, fmt.Errorf("index %s is inconsistent: shards sum to %d samples, index claims %d", path, total, index.TotalSamples)
	}

	return &index, nil
}

func writeIndex(dir string, index *Index) error {
	path := filepath.Join(dir, IndexFileName)

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize index: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index %s: %w", path, err)
	}
	return nil
}
