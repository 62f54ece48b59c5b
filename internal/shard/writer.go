package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultSizeLimit caps shard files at 4 MiB, counting the header and
	// offset table.
	DefaultSizeLimit = 4 << 20

	headerFixedBytes = 4 + 4 + 4 // magic + version + sample count
	offsetEntryBytes = 8
)

// Writer streams records into size-limited shard files under dir and
// produces an index.json on Close. It is not safe for concurrent use.
type Writer struct {
	dir       string
	sizeLimit int64

	pending [][]byte // records of the shard being built
	size    int64    // projected file size of the pending shard

	index  Index
	closed bool
}

func NewWriter(dir string, sizeLimit int64) (*Writer, error) {
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create shard directory %s: %w", dir, err)
	}

	return &Writer{
		dir:       dir,
		sizeLimit: sizeLimit,
		size:      headerFixedBytes + offsetEntryBytes,
		index:     Index{Version: FormatVersion},
	}, nil
}

// Write appends one record, rolling over to a new shard file when adding the
// record would push the current shard past the size limit. A record larger
// than the limit gets a shard of its own.
func (w *Writer) Write(record []byte) error {
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.dir)
	}
	if len(record) == 0 {
		return fmt.Errorf("empty record")
	}

	grown := w.size + int64(len(record)) + offsetEntryBytes
	if len(w.pending) > 0 && grown > w.sizeLimit {
		if err := w.flush(); err != nil {
			return err
		}
	}

	owned := make([]byte, len(record))
	copy(owned, record)
	w.pending = append(w.pending, owned)
	w.size += int64(len(record)) + offsetEntryBytes
	return nil
}

// Close flushes the final shard and writes the index. The writer cannot be
// reused afterwards.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.pending) > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}

	return writeIndex(w.dir, &w.index)
}

func (w *Writer) flush() error {
	name := fmt.Sprintf("shard.%05d.bin", len(w.index.Shards))

	data := encodeShard(w.pending)
	sum := sha256.Sum256(data)

	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write shard %s: %w", path, err)
	}

	w.index.Shards = append(w.index.Shards, ShardInfo{
		Name:     name,
		Samples:  len(w.pending),
		Bytes:    int64(len(data)),
		Checksum: "sha256:" + hex.EncodeToString(sum[:]),
	})
	w.index.TotalSamples += len(w.pending)

	w.pending = w.pending[:0]
	w.size = headerFixedBytes + offsetEntryBytes
	return nil
}

// Shard file layout, all little-endian: magic, uint32 version, uint32 sample
// count, (count+1) uint64 absolute file offsets, then the record bytes. The
// trailing offset equals the file size, so record i spans
// [offsets[i], offsets[i+1]).
func encodeShard(records [][]byte) []byte {
	headerSize := headerFixedBytes + offsetEntryBytes*(len(records)+1)

	total := headerSize
	for _, r := range records {
		total += len(r)
	}

	data := make([]byte, total)
	copy(data, shardMagic[:])
	binary.LittleEndian.PutUint32(data[4:], FormatVersion)
	binary.LittleEndian.PutUint32(data[8:], uint32(len(records)))

	offset := uint64(headerSize)
	for i, r := range records {
		binary.LittleEndian.PutUint64(data[headerFixedBytes+offsetEntryBytes*i:], offset)
		copy(data[offset:], r)
		offset += uint64(len(r))
	}
	binary.LittleEndian.PutUint64(data[headerFixedBytes+offsetEntryBytes*len(records):], offset)

	return data
}
