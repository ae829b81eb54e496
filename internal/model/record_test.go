package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Version
		expected int
	}{
		{"equal", Version{"a", 1}, Version{"a", 1}, 0},
		{"lower counter", Version{"a", 1}, Version{"a", 2}, -1},
		{"higher counter", Version{"a", 3}, Version{"a", 2}, 1},
		{"instance ordering wins over counter", Version{"a", 99}, Version{"b", 1}, -1},
		{"instance bytes compared", Version{"b", 1}, Version{"a", 99}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Compare(tt.b))
		})
	}
}

func TestFrontierCovers(t *testing.T) {
	f := Frontier{"a": 5}

	assert.True(t, f.Covers(Version{"a", 3}))
	assert.True(t, f.Covers(Version{"a", 5}))
	assert.False(t, f.Covers(Version{"a", 6}))
	assert.False(t, f.Covers(Version{"b", 1}), "unknown instance counts as zero")
}

func TestFrontierObserve(t *testing.T) {
	f := Frontier{}

	f.Observe(Version{"a", 3})
	f.Observe(Version{"a", 1})
	f.Observe(Version{"b", 7})

	assert.Equal(t, int64(3), f["a"], "observe never lowers")
	assert.Equal(t, int64(7), f["b"])
}

func TestFrontierMerge(t *testing.T) {
	f := Frontier{"a": 5, "b": 1}
	f.Merge(Frontier{"b": 4, "c": 2})

	assert.Equal(t, Frontier{"a": 5, "b": 4, "c": 2}, f)
}

func TestFrontierClone(t *testing.T) {
	f := Frontier{"a": 5}
	clone := f.Clone()
	clone["a"] = 99

	assert.Equal(t, int64(5), f["a"], "clone must be independent")
}
