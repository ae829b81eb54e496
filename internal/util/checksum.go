package util

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/calyptra/driftsync/internal/model"
)

// Checksum utilities for chunk integrity validation
// Uses CRC32 (IEEE polynomial) for fast checksum computation

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// ChunkChecksum computes a checksum over the records of a delta chunk.
// The hash covers key, partition, lineage, tombstone flag and payload in
// record order, so both sides compute it over identical bytes.
func ChunkChecksum(records []model.Record) uint32 {
	h := crc32.New(crc32Table)
	var buf [8]byte
	for _, rec := range records {
		h.Write([]byte(rec.Key))
		h.Write([]byte{0})
		h.Write([]byte(rec.Partition))
		h.Write([]byte{0})
		h.Write([]byte(rec.Version.InstanceID))
		binary.LittleEndian.PutUint64(buf[:], uint64(rec.Version.Counter))
		h.Write(buf[:])
		if rec.Deleted {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(len(rec.Payload)))
		h.Write(buf[:])
		h.Write(rec.Payload)
	}
	return h.Sum32()
}
