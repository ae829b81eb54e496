package model

import "bytes"

// Version identifies one write of a record: the instance that produced it
// and that instance's counter for the record's partition at the time of the
// write. Counters are local to an instance; versions from different
// instances carry no inherent order.
type Version struct {
	InstanceID string `json:"instance_id"`
	Counter    int64  `json:"counter"`
}

// Compare orders two versions for deterministic conflict resolution.
// Versions are compared by instance id bytes first, then counter. This is
// an arbitrary but fixed total order; every node computes the same result
// regardless of the order in which it learned about the versions.
func (v Version) Compare(other Version) int {
	if c := bytes.Compare([]byte(v.InstanceID), []byte(other.InstanceID)); c != 0 {
		return c
	}
	switch {
	case v.Counter < other.Counter:
		return -1
	case v.Counter > other.Counter:
		return 1
	}
	return 0
}

// ConflictingVersion is a losing write retained on a record after a merge
// could not reconcile payloads. The application layer can surface it or
// re-merge manually.
type ConflictingVersion struct {
	Payload []byte  `json:"payload"`
	Version Version `json:"version"`
	Deleted bool    `json:"deleted"`
}

// Record is a versioned entry in the store. Payload is opaque to the sync
// engine; only the conflict resolver's optional payload hook ever looks
// inside it.
type Record struct {
	Key       string               `json:"key"`
	Partition string               `json:"partition"`
	Payload   []byte               `json:"payload"`
	Version   Version              `json:"version"`
	Deleted   bool                 `json:"deleted"`
	Conflicts []ConflictingVersion `json:"conflicts,omitempty"`
}

// Frontier maps originating instance ids to the highest counter already
// incorporated for some partition prefix. Two frontiers from different
// nodes are comparable pointwise; a missing instance counts as zero.
type Frontier map[string]int64

// Covers reports whether the frontier already accounts for the given
// version, i.e. a record with that lineage carries no new information.
func (f Frontier) Covers(v Version) bool {
	return f[v.InstanceID] >= v.Counter
}

// Observe raises the frontier to include the given version.
func (f Frontier) Observe(v Version) {
	if f[v.InstanceID] < v.Counter {
		f[v.InstanceID] = v.Counter
	}
}

// Merge raises the frontier pointwise to cover everything other covers.
func (f Frontier) Merge(other Frontier) {
	for instance, counter := range other {
		if f[instance] < counter {
			f[instance] = counter
		}
	}
}

// Clone returns an independent copy of the frontier.
func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	for instance, counter := range f {
		out[instance] = counter
	}
	return out
}
