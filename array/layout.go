// Package array implements the distributed array framework (C9): Block
// and Cyclic layouts, RDMA get/put over the unsafe layer, the buffered
// element-wise operation path, safety-flavor wrappers built on darc's
// mode machine, and reduction. Reduction is a single gather: every team
// PE computes its local partial and the calling PE folds them; there is
// no recursive tree of reduction AMs. Grounded throughout on
// _examples/original_source/src/array.rs and the array/* submodules
// (unsafe.rs, unsafe/buffered_operations.rs, generic_atomic.rs,
// native_atomic/*.rs, local_lock_atomic.rs, global_lock_atomic.rs), with
// the reduction/quiescence fan-out shape mirrored from the teacher's
// mirror/put_copies.go and reb/status.go refcount-quiescence idiom.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package array

import "math"

// Distribution selects how global indices map onto PEs (spec §3).
type Distribution int

const (
	Block Distribution = iota
	Cyclic
)

func (d Distribution) String() string {
	if d == Cyclic {
		return "Cyclic"
	}
	return "Block"
}

// Layout computes, for a root array of Len elements over NumPEs PEs, the
// PE owning a given global index, that PE's local offset for it, and
// the number of elements a given PE holds. Ported from
// UnsafeArrayInner::pe_for_dist_index / pe_offset_for_dist_index /
// num_elems_pe in array/unsafe.rs.
type Layout struct {
	Dist   Distribution
	Len    int
	NumPEs int
	epp    float64 // Len/NumPEs, Block's "orig_elem_per_pe"
}

func NewLayout(dist Distribution, length, numPEs int) Layout {
	return Layout{Dist: dist, Len: length, NumPEs: numPEs, epp: float64(length) / float64(numPEs)}
}

// MaxElemsPerPE is the uniform per-PE allocation size every Layout
// needs the backing symmetric alloc sized to (spec: "ceil(N/P)-sized
// contiguous runs" for Block; Cyclic's per-PE count never exceeds the
// same ceiling either).
func (l Layout) MaxElemsPerPE() int {
	if l.NumPEs == 0 {
		return 0
	}
	return int(math.Ceil(float64(l.Len) / float64(l.NumPEs)))
}

// NumElemsForPE reports how many elements of the root array live on pe.
func (l Layout) NumElemsForPE(pe int) int {
	switch l.Dist {
	case Block:
		start := l.startIndexForPE(pe)
		end := l.startIndexForPE(pe + 1)
		if end < start {
			end = start
		}
		return end - start
	default: // Cyclic
		n := l.Len / l.NumPEs
		if l.Len%l.NumPEs > pe {
			n++
		}
		return n
	}
}

func (l Layout) startIndexForPE(pe int) int {
	return int(math.Round(l.epp * float64(pe)))
}

// PEForIndex returns the PE owning global index i, or (-1,false) if out
// of range. Block: pe = floor(i/epp), corrected by the round-up
// boundary check the original performs (pe_for_dist_index).
func (l Layout) PEForIndex(i int) (int, bool) {
	if i < 0 || i >= l.Len {
		return -1, false
	}
	switch l.Dist {
	case Block:
		pe := int(math.Floor(float64(i) / l.epp))
		endIdx := int(math.Round(l.epp * float64(pe+1)))
		if i >= endIdx {
			pe++
		}
		return pe, true
	default: // Cyclic
		return i % l.NumPEs, true
	}
}

// OffsetForIndex returns pe's local offset for global index i, or
// (-1,false) if i is not owned by pe (pe_offset_for_dist_index).
func (l Layout) OffsetForIndex(pe, i int) (int, bool) {
	if i < 0 || i >= l.Len {
		return -1, false
	}
	switch l.Dist {
	case Block:
		start := l.startIndexForPE(pe)
		end := start + l.NumElemsForPE(pe)
		if i >= start && i < end {
			return i - start, true
		}
		return -1, false
	default: // Cyclic
		if i%l.NumPEs != pe {
			return -1, false
		}
		return i / l.NumPEs, true
	}
}
