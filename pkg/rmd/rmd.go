// Package rmd implements the replication metadata record and its codec:
// a per-key vector timestamp plus per-region offset vector, wire-prefixed
// with the value schema id that selects the metadata layout.
package rmd

import (
	"math/bits"

	"github.com/streamstore/aaingest/pkg/aaerr"
)

// RMD is the decoded replication metadata for one key.
//
// Exactly one of Timestamp or FieldTimestamps is meaningful, selected by
// FieldLevel: record-level metadata (whole-value stores) carries a single
// scalar Timestamp; field-level metadata (partial-update stores) carries
// one timestamp per field name.
type RMD struct {
	SchemaID        int32
	FieldLevel      bool
	Timestamp       uint64
	FieldTimestamps map[string]uint64
	OffsetVector    []uint64 // indexed by region id, length == region count
}

// Clone deep-copies r so callers may mutate the result without aliasing
// the original.
func (r RMD) Clone() RMD {
	out := r
	if r.FieldTimestamps != nil {
		out.FieldTimestamps = make(map[string]uint64, len(r.FieldTimestamps))
		for k, v := range r.FieldTimestamps {
			out.FieldTimestamps[k] = v
		}
	}
	if r.OffsetVector != nil {
		out.OffsetVector = append([]uint64(nil), r.OffsetVector...)
	}
	return out
}

// Zero returns the RMD an absent prior record is treated as: timestamp 0,
// offset vector all zeros.
func Zero(schemaID int32, fieldLevel bool, regionCount int) RMD {
	r := RMD{SchemaID: schemaID, FieldLevel: fieldLevel, OffsetVector: make([]uint64, regionCount)}
	if fieldLevel {
		r.FieldTimestamps = map[string]uint64{}
	}
	return r
}

// OffsetVectorSum returns the sum of the offset vector as a 128-bit value
// (via a carry) so it cannot silently wrap for very large deployments.
func OffsetVectorSum(r RMD) (hi, lo uint64) {
	for _, v := range r.OffsetVector {
		var carry uint64
		lo, carry = bits.Add64(lo, v, 0)
		hi += carry
	}
	return hi, lo
}

// Timestamps returns the list of timestamps relevant to monotonicity
// checks: the single scalar for record-level metadata, or all field
// timestamps (order not significant to callers, which only ever take a
// max/min) for field-level metadata.
func Timestamps(r RMD) []uint64 {
	if !r.FieldLevel {
		return []uint64{r.Timestamp}
	}
	out := make([]uint64, 0, len(r.FieldTimestamps))
	for _, ts := range r.FieldTimestamps {
		out = append(out, ts)
	}
	return out
}

// Dominates reports whether a's offset vector is pointwise >= b's. The two
// vectors may differ in length (a region count growing mid-lifetime is
// legitimate): a missing slot is treated as 0, matching Zero's all-zeros
// default.
func Dominates(a, b RMD) bool {
	n := len(a.OffsetVector)
	if len(b.OffsetVector) > n {
		n = len(b.OffsetVector)
	}
	for i := 0; i < n; i++ {
		var av, bv uint64
		if i < len(a.OffsetVector) {
			av = a.OffsetVector[i]
		}
		if i < len(b.OffsetVector) {
			bv = b.OffsetVector[i]
		}
		if av < bv {
			return false
		}
	}
	return true
}

// CheckMonotonic verifies that newRMD never regresses relative to oldRMD
// across a single applied merge decision: the offset vector must dominate
// pointwise, its sum must not decrease, and no timestamp may move
// backwards. Either regression is fatal to the partition, raised via the
// matching aaerr sentinels. oldRMD may be the Zero value when no prior
// metadata existed.
func CheckMonotonic(newRMD, oldRMD RMD) error {
	if !Dominates(newRMD, oldRMD) {
		return aaerr.ErrOffsetRegression
	}
	newHi, newLo := OffsetVectorSum(newRMD)
	oldHi, oldLo := OffsetVectorSum(oldRMD)
	if newHi < oldHi || (newHi == oldHi && newLo < oldLo) {
		return aaerr.ErrOffsetRegression
	}
	if oldRMD.FieldLevel {
		for field, oldTS := range oldRMD.FieldTimestamps {
			if newRMD.FieldTimestamps[field] < oldTS {
				return aaerr.ErrTimestampRegression
			}
		}
		return nil
	}
	if newRMD.Timestamp < oldRMD.Timestamp {
		return aaerr.ErrTimestampRegression
	}
	return nil
}
