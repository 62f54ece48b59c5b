package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Reader provides random access to the records of a shard directory. Shard
// files are parsed lazily on first access and can be released individually
// to bound memory while iterating.
type Reader struct {
	dir      string
	index    *Index
	validate bool

	starts  []int      // starts[i] is the global index of shard i's first record
	records [][][]byte // lazily loaded per shard
}

func Open(dir string, validate bool) (*Reader, error) {
	index, err := ReadIndex(dir)
	if err != nil {
		return nil, err
	}

	starts := make([]int, len(index.Shards))
	total := 0
	for i, info := range index.Shards {
		starts[i] = total
		total += info.Samples
	}

	return &Reader{
		dir:      dir,
		index:    index,
		validate: validate,
		starts:   starts,
		records:  make([][][]byte, len(index.Shards)),
	}, nil
}

func (r *Reader) Len() int {
	return r.index.TotalSamples
}

func (r *Reader) NumShards() int {
	return len(r.index.Shards)
}

func (r *Reader) Index() *Index {
	return r.index
}

// ShardOf maps a global record index to its shard.
func (r *Reader) ShardOf(i int) int {
	return sort.Search(len(r.starts), func(s int) bool {
		return r.starts[s] > i
	}) - 1
}

// Record returns the bytes of the record at global index i, loading the
// containing shard if necessary. The returned slice aliases the shard's
// in-memory data and is only valid until the shard is released.
func (r *Reader) Record(i int) ([]byte, error) {
	if i < 0 || i >= r.Len() {
		return nil, fmt.Errorf("record index %d out of range [0, %d)", i, r.Len())
	}

	s := r.ShardOf(i)
	if err := r.LoadShard(s); err != nil {
		return nil, err
	}

	return r.records[s][i-r.starts[s]], nil
}

// LoadShard parses shard s into memory if it is not already resident.
func (r *Reader) LoadShard(s int) error {
	if s < 0 || s >= len(r.index.Shards) {
		return fmt.Errorf("shard index %d out of range [0, %d)", s, len(r.index.Shards))
	}
	if r.records[s] != nil {
		return nil
	}

	info := r.index.Shards[s]
	path := filepath.Join(r.dir, info.Name)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read shard %s: %w", path, err)
	}

	if r.validate {
		if err := VerifyChecksum(data, info.Checksum); err != nil {
			return fmt.Errorf("shard %s: %w", path, err)
		}
	}

	records, err := decodeShard(data)
	if err != nil {
		return fmt.Errorf("shard %s: %w", path, err)
	}
	if len(records) != info.Samples {
		return fmt.Errorf("shard %s holds %d records, index claims %d", path, len(records), info.Samples)
	}

	r.records[s] = records
	return nil
}

// ReleaseShard drops shard s's in-memory data. Records previously returned
// from it must no longer be used.
func (r *Reader) ReleaseShard(s int) {
	if s >= 0 && s < len(r.records) {
		r.records[s] = nil
	}
}

// VerifyChecksum checks raw shard bytes against an index checksum entry.
func VerifyChecksum(data []byte, checksum string) error {
	const prefix = "sha256:"
	if len(checksum) <= len(prefix) || checksum[:len(prefix)] != prefix {
		return fmt.Errorf("unsupported checksum %q", checksum)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum[len(prefix):] {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}

func decodeShard(data []byte) ([][]byte, error) {
	if len(data) < headerFixedBytes {
		return nil, fmt.Errorf("truncated header: %d bytes", len(data))
	}
	if [4]byte(data[:4]) != shardMagic {
		return nil, fmt.Errorf("bad magic %q", data[:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != FormatVersion {
		return nil, fmt.Errorf("unsupported shard version %d, expected %d", v, FormatVersion)
	}

	count := int(binary.LittleEndian.Uint32(data[8:]))
	headerSize := headerFixedBytes + offsetEntryBytes*(count+1)
	if len(data) < headerSize {
		return nil, fmt.Errorf("truncated offset table: %d bytes for %d records", len(data), count)
	}

	offsets := make([]uint64, count+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(data[headerFixedBytes+offsetEntryBytes*i:])
	}
	if offsets[0] != uint64(headerSize) || offsets[count] != uint64(len(data)) {
		return nil, fmt.Errorf("offset table does not span the file")
	}

	records := make([][]byte, count)
	for i := 0; i < count; i++ {
		if offsets[i+1] < offsets[i] || offsets[i+1] > uint64(len(data)) {
			return nil, fmt.Errorf("invalid offsets for record %d", i)
		}
		records[i] = data[offsets[i]:offsets[i+1]]
	}

	return records, nil
}
