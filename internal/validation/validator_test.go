package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/calyptra/driftsync/internal/syncerrors"
)

func TestValidatePartition(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name      string
		partition string
		wantErr   bool
	}{
		{"simple", "app", false},
		{"nested", "app/users/active", false},
		{"empty", "", true},
		{"empty segment", "app//users", true},
		{"leading slash", "/app", true},
		{"trailing slash", "app/", true},
		{"dot segment", "app/./users", true},
		{"traversal", "app/../admin", true},
		{"null byte", "app\x00users", true},
		{"control char", "app/us\ters", true},
		{"too deep", strings.Repeat("a/", MaxPartitionDepth) + "a", true},
		{"too long", strings.Repeat("a", MaxPartitionSize+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePartition(tt.partition)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, syncerrors.ErrCodeInvalidPartition, syncerrors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateKey("user:42"))
	assert.Error(t, v.ValidateKey(""))
	assert.Error(t, v.ValidateKey("a\x00b"))
	assert.Error(t, v.ValidateKey(strings.Repeat("k", MaxKeySize+1)))
}

func TestValidatePayload(t *testing.T) {
	v := NewValidatorWithLimits(MaxKeySize, 8, MaxPartitionSize)

	assert.NoError(t, v.ValidatePayload(nil), "tombstones carry no payload")
	assert.NoError(t, v.ValidatePayload([]byte{}))
	assert.NoError(t, v.ValidatePayload([]byte("12345678")))
	assert.Error(t, v.ValidatePayload([]byte("123456789")))
}

func TestValidateWrite(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateWrite("k", "app/users", []byte("v")))
	assert.Error(t, v.ValidateWrite("", "app/users", []byte("v")))
	assert.Error(t, v.ValidateWrite("k", "app/..", []byte("v")))
}
