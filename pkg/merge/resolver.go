// Package merge implements the conflict resolver for active/active
// ingestion: a pure, deterministic function that decides whether an
// incoming real-time operation wins against the current (value, RMD)
// pair, using a per-field or per-record vector timestamp plus a
// lexicographic tie-break.
package merge

import (
	"bytes"
	"fmt"

	"github.com/streamstore/aaingest/pkg/aaerr"
	"github.com/streamstore/aaingest/pkg/rmd"
)

// OpKind discriminates the three operation shapes the resolver accepts.
type OpKind int8

const (
	OpPut OpKind = iota
	OpDelete
	OpUpdate
)

// Op is the incoming operation to resolve against existing state.
type Op struct {
	Kind OpKind

	// Put
	Value    []byte
	SchemaID int32

	// Update (partial update / write-compute)
	WriteCompute   []byte
	ValueSchemaID  int32
	UpdateSchemaID int32
}

// Old is the existing (value, schema) pair, absent if the key has never
// been written.
type Old struct {
	Value    []byte
	SchemaID int32
	Present  bool
}

// FieldValueCodec decodes/encodes a value's fields for partial-update
// stores. Schema evolution itself lives outside this module; this is the
// narrow collaborator the resolver needs to apply a write-compute delta
// without owning schema logic itself.
type FieldValueCodec interface {
	DecodeFields(schemaID int32, value []byte) (map[string][]byte, error)
	EncodeFields(schemaID int32, fields map[string][]byte) ([]byte, error)
}

// FieldUpdateDecoder decodes write-compute bytes into the set of fields an
// Update touches and their new encoded values.
type FieldUpdateDecoder interface {
	DecodeFields(updateSchemaID int32, writeCompute []byte) (map[string][]byte, error)
}

// MergeResult is the resolver's verdict.
type MergeResult struct {
	Applied bool

	// Meaningful only when Applied is true. NewValue is nil both for a
	// tombstone (NewIsTombstone true) and for "nothing changed" — callers
	// must check NewIsTombstone to tell the two apart.
	NewValue         []byte
	NewIsTombstone   bool
	NewValueSchemaID int32
	NewRMD           rmd.RMD

	// ResultReusesInput is a hint: true when NewValue aliases the byte
	// slice the caller passed in as Op.Value. Callers must copy before
	// mutating — the input buffer is commonly owned by the broker
	// consumer.
	ResultReusesInput bool
}

// Resolver is a pure function object: its fields are read-only
// collaborators, never mutated after construction, so any number of
// goroutines may share one instance and identical inputs always produce
// identical results.
type Resolver struct {
	Fields  FieldValueCodec
	Updates FieldUpdateDecoder
}

// Resolve decides whether the incoming operation wins. writeTS is the
// incoming operation's timestamp, already resolved from any
// broker-timestamp fallback by the caller. regionCount sizes a fresh
// offset vector when oldRMD is absent; it is ignored when oldRMD is
// non-nil, since the existing vector's length is authoritative.
func (r *Resolver) Resolve(old Old, oldRMD *rmd.RMD, op Op, writeTS uint64, sourceRegionID uint16, sourceOffset uint64, regionCount int) (MergeResult, error) {
	prior := effectivePrior(oldRMD, regionCount)

	if op.Kind == OpUpdate {
		return r.resolveUpdate(old, prior, op, writeTS, sourceRegionID, sourceOffset)
	}
	return resolveWholeValue(old, prior, op, writeTS, sourceRegionID, sourceOffset), nil
}

// effectivePrior returns a non-nil RMD, defaulting an absent prior to
// timestamp 0 and an all-zero offset vector.
func effectivePrior(oldRMD *rmd.RMD, regionCount int) rmd.RMD {
	if oldRMD == nil {
		return rmd.Zero(0, false, regionCount)
	}
	return oldRMD.Clone()
}

// resolveWholeValue handles Put and Delete, which always compare against
// the maximum known timestamp (the scalar for record-level metadata, or
// the max of tracked field timestamps for field-level, since a whole-value
// write supersedes every field at once).
func resolveWholeValue(old Old, prior rmd.RMD, op Op, writeTS uint64, sourceRegionID uint16, sourceOffset uint64) MergeResult {
	priorTS := maxPriorTimestamp(prior)

	switch {
	case writeTS > priorTS:
		return applyWholeValue(prior, op, writeTS, sourceRegionID, sourceOffset)
	case writeTS < priorTS:
		return MergeResult{Applied: false}
	default:
		return tieBreakWholeValue(old, prior, op, writeTS, sourceRegionID, sourceOffset)
	}
}

func maxPriorTimestamp(prior rmd.RMD) uint64 {
	var max uint64
	for _, ts := range rmd.Timestamps(prior) {
		if ts > max {
			max = ts
		}
	}
	return max
}

// tieBreakWholeValue handles the equal-timestamp branch: DELETE beats PUT,
// two DELETEs ignore the second, and two PUTs compare value bytes
// lexicographically with the larger winning.
func tieBreakWholeValue(old Old, prior rmd.RMD, op Op, writeTS uint64, sourceRegionID uint16, sourceOffset uint64) MergeResult {
	oldIsTombstone := !old.Present

	switch {
	case op.Kind == OpDelete && oldIsTombstone:
		// Two deletes tying: ignore the second.
		return MergeResult{Applied: false}
	case op.Kind == OpDelete:
		// DELETE beats PUT at an equal timestamp, regardless of bytes.
		return applyWholeValue(prior, op, writeTS, sourceRegionID, sourceOffset)
	case oldIsTombstone:
		// Existing tombstone beats an incoming PUT at an equal timestamp.
		return MergeResult{Applied: false}
	default:
		if bytes.Compare(op.Value, old.Value) > 0 {
			return applyWholeValue(prior, op, writeTS, sourceRegionID, sourceOffset)
		}
		return MergeResult{Applied: false}
	}
}

func applyWholeValue(prior rmd.RMD, op Op, writeTS uint64, sourceRegionID uint16, sourceOffset uint64) MergeResult {
	newRMD := prior.Clone()
	newRMD.OffsetVector = pointwiseMaxWithSource(prior.OffsetVector, sourceRegionID, sourceOffset)

	if prior.FieldLevel {
		// A whole-value write supersedes every tracked field at once.
		for f := range newRMD.FieldTimestamps {
			newRMD.FieldTimestamps[f] = writeTS
		}
	} else {
		newRMD.Timestamp = writeTS
	}

	if op.Kind == OpDelete {
		return MergeResult{
			Applied:          true,
			NewIsTombstone:   true,
			NewValueSchemaID: op.SchemaID,
			NewRMD:           newRMD,
		}
	}
	return MergeResult{
		Applied:           true,
		NewValue:          op.Value,
		NewValueSchemaID:  op.SchemaID,
		NewRMD:            newRMD,
		ResultReusesInput: true,
	}
}

// resolveUpdate applies a partial update per field, each field compared
// independently against its own prior timestamp.
func (r *Resolver) resolveUpdate(old Old, prior rmd.RMD, op Op, writeTS uint64, sourceRegionID uint16, sourceOffset uint64) (MergeResult, error) {
	if r.Fields == nil || r.Updates == nil {
		return MergeResult{}, fmt.Errorf("%w: no field codec configured for partial update", aaerr.ErrSchemaIncompatible)
	}

	oldFields := map[string][]byte{}
	if old.Present {
		var err error
		oldFields, err = r.Fields.DecodeFields(op.ValueSchemaID, old.Value)
		if err != nil {
			return MergeResult{}, fmt.Errorf("%w: decode old value: %v", aaerr.ErrSchemaIncompatible, err)
		}
	}

	touched, err := r.Updates.DecodeFields(op.UpdateSchemaID, op.WriteCompute)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: decode write-compute: %v", aaerr.ErrSchemaIncompatible, err)
	}

	newFields := make(map[string][]byte, len(oldFields))
	for f, v := range oldFields {
		newFields[f] = v
	}
	newFieldTS := make(map[string]uint64, len(prior.FieldTimestamps))
	for f, ts := range prior.FieldTimestamps {
		newFieldTS[f] = ts
	}

	var anyApplied bool
	for field, candidate := range touched {
		priorTS := prior.FieldTimestamps[field]
		switch {
		case writeTS > priorTS:
			newFields[field] = candidate
			newFieldTS[field] = writeTS
			anyApplied = true
		case writeTS < priorTS:
			// keep prior field value
		default:
			if bytes.Compare(candidate, oldFields[field]) > 0 {
				newFields[field] = candidate
				newFieldTS[field] = writeTS
				anyApplied = true
			}
		}
	}

	if !anyApplied {
		return MergeResult{Applied: false}, nil
	}

	encoded, err := r.Fields.EncodeFields(op.ValueSchemaID, newFields)
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: encode merged value: %v", aaerr.ErrSchemaIncompatible, err)
	}

	newRMD := prior.Clone()
	newRMD.FieldLevel = true
	newRMD.FieldTimestamps = newFieldTS
	newRMD.OffsetVector = pointwiseMaxWithSource(prior.OffsetVector, sourceRegionID, sourceOffset)

	return MergeResult{
		Applied:          true,
		NewValue:         encoded,
		NewValueSchemaID: op.ValueSchemaID,
		NewRMD:           newRMD,
	}, nil
}

// pointwiseMaxWithSource folds the incoming source offset into the prior
// vector: the result is the pointwise max of the prior vector and a vector
// whose sourceRegionID slot equals sourceOffset.
func pointwiseMaxWithSource(prior []uint64, sourceRegionID uint16, sourceOffset uint64) []uint64 {
	n := len(prior)
	if int(sourceRegionID)+1 > n {
		n = int(sourceRegionID) + 1
	}
	out := make([]uint64, n)
	copy(out, prior)
	if out[sourceRegionID] < sourceOffset {
		out[sourceRegionID] = sourceOffset
	}
	return out
}
