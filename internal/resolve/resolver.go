package resolve

import (
	"sort"

	"go.uber.org/zap"

	"github.com/calyptra/driftsync/internal/model"
	"github.com/calyptra/driftsync/internal/syncerrors"
)

// PayloadMerger is an optional hook supplied by the storage collaborator
// to merge two divergent payloads at the field level. It must be
// deterministic and symmetric; the engine otherwise treats payloads as
// opaque bytes.
type PayloadMerger func(winner, loser []byte) ([]byte, error)

// Resolver deterministically merges records with divergent lineages.
//
// A record is treated as a set of versions: its current winner plus any
// retained conflicting versions. Merging two records is the union of
// their version sets, reduced to the maximal version per instance, with
// the winner chosen by a fixed total order: tombstones outrank live
// versions (deletes must not be resurrected by stale copies), then
// instance id bytes, then counter. Set union is commutative,
// associative, and idempotent, so every node converges to the same
// record no matter the order it learned the versions in.
type Resolver struct {
	payloadMerge PayloadMerger
	logger       *zap.Logger
}

// NewResolver creates a new resolver. payloadMerge may be nil, in which
// case losing payloads are always retained as conflicts.
func NewResolver(payloadMerge PayloadMerger, logger *zap.Logger) *Resolver {
	return &Resolver{payloadMerge: payloadMerge, logger: logger}
}

// candidate is one version of a record under consideration.
type candidate struct {
	payload []byte
	version model.Version
	deleted bool
}

// compare orders candidates by merge precedence. The greater candidate
// wins.
func (c candidate) compare(other candidate) int {
	if c.deleted != other.deleted {
		if c.deleted {
			return 1
		}
		return -1
	}
	return c.version.Compare(other.version)
}

// Merge resolves an incoming record against the existing one. A nil
// existing record means the key has never been seen locally. Merge never
// fails the chunk: if the payload hook errors, the losing payload is
// retained in the conflict set instead.
func (r *Resolver) Merge(existing *model.Record, incoming model.Record) (model.Record, error) {
	candidates := collect(incoming)
	if existing != nil {
		candidates = append(candidates, collect(*existing)...)
	}

	candidates = reduce(candidates)

	winner := candidates[0]
	losers := candidates[1:]

	merged := model.Record{
		Key:       incoming.Key,
		Partition: incoming.Partition,
		Payload:   winner.payload,
		Version:   winner.version,
		Deleted:   winner.deleted,
	}

	for _, loser := range losers {
		if r.payloadMerge != nil && !winner.deleted && !loser.deleted {
			combined, err := r.mergePayloads(merged.Key, winner.payload, loser.payload)
			if err == nil {
				merged.Payload = combined
				winner.payload = combined
				continue
			}
		}
		merged.Conflicts = append(merged.Conflicts, model.ConflictingVersion{
			Payload: loser.payload,
			Version: loser.version,
			Deleted: loser.deleted,
		})
	}

	return merged, nil
}

// mergePayloads runs the collaborator hook with panic containment; an
// unresolvable payload merge is reported but never fatal.
func (r *Resolver) mergePayloads(key string, winner, loser []byte) (result []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = syncerrors.MergeUnresolvable(key, nil).WithDetail("panic", rec)
		}
	}()
	result, err = r.payloadMerge(winner, loser)
	if err != nil {
		r.logger.Warn("Payload merge hook failed, retaining conflict",
			zap.String("key", key),
			zap.Error(err))
		return nil, syncerrors.MergeUnresolvable(key, err)
	}
	return result, nil
}

// collect flattens a record into its candidate versions.
func collect(rec model.Record) []candidate {
	out := make([]candidate, 0, 1+len(rec.Conflicts))
	out = append(out, candidate{payload: rec.Payload, version: rec.Version, deleted: rec.Deleted})
	for _, c := range rec.Conflicts {
		out = append(out, candidate{payload: c.Payload, version: c.Version, deleted: c.Deleted})
	}
	return out
}

// reduce keeps only the maximal version per instance (counters from one
// instance are totally ordered, so lower ones are causally dominated)
// and sorts the survivors by descending merge precedence.
func reduce(candidates []candidate) []candidate {
	maxByInstance := make(map[string]candidate, len(candidates))
	for _, c := range candidates {
		best, ok := maxByInstance[c.version.InstanceID]
		if !ok || c.version.Counter > best.version.Counter {
			maxByInstance[c.version.InstanceID] = c
		}
	}

	out := make([]candidate, 0, len(maxByInstance))
	for _, c := range maxByInstance {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].compare(out[j]) > 0
	})
	return out
}
