package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/calyptra/driftsync/internal/syncerrors"
)

const (
	// Size limits
	MaxKeySize       = 1024             // 1 KB
	MaxPayloadSize   = 10 * 1024 * 1024 // 10 MB
	MaxPartitionSize = 512              // 512 bytes

	MaxPartitionDepth = 16
)

// Validator validates records and partition paths before they enter the
// store or the wire.
type Validator struct {
	maxKeySize       int
	maxPayloadSize   int
	maxPartitionSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:       MaxKeySize,
		maxPayloadSize:   MaxPayloadSize,
		maxPartitionSize: MaxPartitionSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxPayloadSize, maxPartitionSize int) *Validator {
	return &Validator{
		maxKeySize:       maxKeySize,
		maxPayloadSize:   maxPayloadSize,
		maxPartitionSize: maxPartitionSize,
	}
}

// ValidateWrite validates a local write operation
func (v *Validator) ValidateWrite(key, partition string, payload []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	if err := v.ValidatePartition(partition); err != nil {
		return err
	}
	return v.ValidatePayload(payload)
}

// ValidatePartition validates a partition path. Partitions are
// '/'-separated segments; empty, '.' and '..' segments are rejected so a
// path can never escape the prefix a certificate scope grants.
func (v *Validator) ValidatePartition(partition string) error {
	if partition == "" {
		return syncerrors.InvalidPartition(partition, "partition cannot be empty")
	}
	if len(partition) > v.maxPartitionSize {
		return syncerrors.InvalidPartition(partition, fmt.Sprintf("partition exceeds maximum size of %d bytes", v.maxPartitionSize))
	}
	if strings.Contains(partition, "\x00") {
		return syncerrors.InvalidPartition(partition, "partition cannot contain null bytes")
	}
	for _, r := range partition {
		if unicode.IsControl(r) {
			return syncerrors.InvalidPartition(partition, "partition cannot contain control characters")
		}
	}

	segments := strings.Split(partition, "/")
	if len(segments) > MaxPartitionDepth {
		return syncerrors.InvalidPartition(partition, fmt.Sprintf("partition exceeds maximum depth of %d", MaxPartitionDepth))
	}
	for _, seg := range segments {
		switch seg {
		case "":
			return syncerrors.InvalidPartition(partition, "partition cannot contain empty segments")
		case ".", "..":
			return syncerrors.InvalidPartition(partition, "partition cannot contain relative segments")
		}
	}
	return nil
}

// ValidateKey validates a record key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return syncerrors.InvalidArgument("key cannot be empty", nil)
	}
	if len(key) > v.maxKeySize {
		return syncerrors.KeyTooLarge(len(key), v.maxKeySize)
	}
	if strings.Contains(key, "\x00") {
		return syncerrors.InvalidArgument("key cannot contain null bytes", nil)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return syncerrors.InvalidArgument("key cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidatePayload validates a record payload. Nil and empty payloads are
// valid; tombstones carry no payload.
func (v *Validator) ValidatePayload(payload []byte) error {
	if payload == nil {
		return nil
	}
	if len(payload) > v.maxPayloadSize {
		return syncerrors.PayloadTooLarge(len(payload), v.maxPayloadSize)
	}
	return nil
}
