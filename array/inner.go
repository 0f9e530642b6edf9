// inner.go implements the distributed array's shared construction path
// and RDMA get/put: Inner[T] is the per-PE local state a darc.Dh[Inner[T]]
// wraps (one instance per PE, each built from that PE's own symmetric
// data allocation — see darc.go's "every PE independently constructs its
// own Dh" note), and Array[T] is the handle every safety flavor in this
// package embeds. Grounded on array/unsafe.rs's UnsafeArrayInner
// (layout-driven index resolution) and array/unsafe/buffered_operations.rs's
// gather/scatter shape, realized here as a read-modify-write over a
// contiguous local run fetched with transport.Backend.Get/Put rather
// than a dedicated helper AM: since a Cyclic PE's local offsets are
// monotonic in global index, the run enclosing any requested slice is
// always contiguous in that PE's own memory, so one RDMA round trip
// plus an in-process strided copy reproduces the same data movement a
// scatter/gather AM would, without the extra hop.
package array

import (
	"context"
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/darc"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
	"golang.org/x/sync/errgroup"
)

// Inner is the per-PE local state backing a distributed array: the
// layout every PE agrees on, this PE's view of the symmetric data
// allocation, and the op-buffer set serving Op/FetchOp against it.
type Inner[T Dist] struct {
	team    *pe.Team
	eng     *am.Engine
	backend transport.Backend
	layout  Layout
	addr    transport.Addr
	opBufs  *opBufferSet[T]
}

func newInner[T Dist](eng *am.Engine, exec *sched.Executor, backend transport.Backend, team *pe.Team, layout Layout, addr transport.Addr) *Inner[T] {
	in := &Inner[T]{team: team, eng: eng, backend: backend, layout: layout, addr: addr}
	in.opBufs = newOpBufferSet[T](eng, exec, team, addr.ID)
	registerPanel(addr, backend, layout.NumElemsForPE(team.MyPE()))
	return in
}

// Array is the handle every safety flavor wraps (UnsafeArray,
// ReadOnlyArray, AtomicArray, LocalLockArray, GlobalLockArray): a Dh over
// this PE's Inner plus the offset/length window this particular handle
// covers, so SubArray can hand out a narrower view sharing the same
// backing Dh and refcounting.
type Array[T Dist] struct {
	dh     *darc.Dh[Inner[T]]
	subOff int
	subLen int
	hkReg  *hk.Registry
}

// newArray is the collective constructor every flavor's exported
// constructor delegates to: every team member must call it with
// matching length, dist, mode, and timeout.
func newArray[T Dist](eng *am.Engine, exec *sched.Executor, backend transport.Backend, team *pe.Team, br darc.Barrier, length int, dist Distribution, mode darc.Mode, timeout time.Duration, hkReg *hk.Registry) (*Array[T], error) {
	layout := NewLayout(dist, length, team.NumPEs())
	elemSize := ElemSize[T]()
	id := team.NextAllocID()
	addr, err := backend.AllocAt(id, layout.MaxElemsPerPE()*elemSize, transport.Sub, team.WorldPEs())
	if err != nil {
		return nil, err
	}
	br.Wait()
	inner := newInner[T](eng, exec, backend, team, layout, addr)
	dh, err := darc.New(eng, backend, team, br, *inner, mode, timeout)
	if err != nil {
		return nil, err
	}
	return &Array[T]{dh: dh, subOff: 0, subLen: length, hkReg: hkReg}, nil
}

func (a *Array[T]) inner() *Inner[T] { return a.dh.MustItem() }

// Len reports the number of elements this handle's window covers (the
// full array's length unless this handle came from SubArray).
func (a *Array[T]) Len() int { return a.subLen }

// NumPEs reports the team size the array is distributed over.
func (a *Array[T]) NumPEs() int { return a.dh.NumPEs() }

// SubArray returns a narrower view over [offset, offset+size) of this
// handle's own window, sharing the same backing Dh (and therefore the
// same refcount and mode) as its parent.
func (a *Array[T]) SubArray(offset, size int) *Array[T] {
	debug.Assert(offset >= 0 && size >= 0 && offset+size <= a.subLen, "array: sub-array window out of range")
	return &Array[T]{dh: a.dh.Clone(), subOff: a.subOff + offset, subLen: size, hkReg: a.hkReg}
}

// Release drops this handle's reference to the backing Dh. Every handle
// obtained from a constructor or SubArray must eventually be released.
func (a *Array[T]) Release() { a.dh.Release(a.hkReg) }

//
// RDMA get/put (spec §4.9, Block layout direct; Cyclic via the
// contiguous-run read-modify-write described above)
//

type idxBucket struct {
	minOff, maxOff int
	ks             []int
	offs           []int
}

func (a *Array[T]) bucketize(index, n int) map[int]*idxBucket {
	inner := a.inner()
	buckets := make(map[int]*idxBucket)
	for k := 0; k < n; k++ {
		gi := a.subOff + index + k
		owner, ok := inner.layout.PEForIndex(gi)
		if !ok {
			panic("array: index out of range")
		}
		off, ok := inner.layout.OffsetForIndex(owner, gi)
		debug.Assert(ok, "array: index/pe mismatch")
		b, ok := buckets[owner]
		if !ok {
			b = &idxBucket{minOff: off, maxOff: off}
			buckets[owner] = b
		}
		if off < b.minOff {
			b.minOff = off
		}
		if off > b.maxOff {
			b.maxOff = off
		}
		b.ks = append(b.ks, k)
		b.offs = append(b.offs, off)
	}
	return buckets
}

// Get reads len(buf) elements starting at index into buf, fetching from
// whichever PEs own them (spec's array get()).
func (a *Array[T]) Get(ctx context.Context, index int, buf []T) <-chan error {
	done := make(chan error, 1)
	inner := a.inner()
	sz := ElemSize[T]()
	buckets := a.bucketize(index, len(buf))
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for owner, b := range buckets {
			owner, b := owner, b
			g.Go(func() error {
				worldPE, _ := inner.team.WorldPE(owner)
				runLen := b.maxOff - b.minOff + 1
				scratch := make([]byte, runLen*sz)
				if err := <-inner.backend.Get(gctx, worldPE, inner.addr.WithOffset(b.minOff*sz), scratch); err != nil {
					return err
				}
				for i, k := range b.ks {
					off := b.offs[i]
					buf[k] = GetElem[T](scratch[(off-b.minOff)*sz:])
				}
				return nil
			})
		}
		done <- g.Wait()
	}()
	return done
}

// Put writes buf into len(buf) elements starting at index (spec's array
// put()). Destination PEs whose touched local run has gaps (Cyclic
// layout) are read before being rewritten so untouched elements in the
// run survive; Block layout's run is always exactly the touched window,
// so no preliminary read is needed there.
func (a *Array[T]) Put(ctx context.Context, index int, buf []T) <-chan error {
	done := make(chan error, 1)
	inner := a.inner()
	sz := ElemSize[T]()
	buckets := a.bucketize(index, len(buf))
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for owner, b := range buckets {
			owner, b := owner, b
			g.Go(func() error {
				worldPE, _ := inner.team.WorldPE(owner)
				runLen := b.maxOff - b.minOff + 1
				scratch := make([]byte, runLen*sz)
				if runLen > len(b.ks) {
					if err := <-inner.backend.Get(gctx, worldPE, inner.addr.WithOffset(b.minOff*sz), scratch); err != nil {
						return err
					}
				}
				for i, k := range b.ks {
					off := b.offs[i]
					PutElem(scratch[(off-b.minOff)*sz:], buf[k])
				}
				return <-inner.backend.Put(gctx, worldPE, scratch, inner.addr.WithOffset(b.minOff*sz))
			})
		}
		done <- g.Wait()
	}()
	return done
}

//
// buffered element-wise ops (spec §4.9)
//

// Op queues a single element-wise operation against the element at
// index, returning a handle whose Get yields the pre-op value for fetch
// ops (zero otherwise).
func (a *Array[T]) Op(index int, code OpCode, val T) *OpHandle[T] {
	inner := a.inner()
	gi := a.subOff + index
	owner, ok := inner.layout.PEForIndex(gi)
	if !ok {
		panic("array: op index out of range")
	}
	off, _ := inner.layout.OffsetForIndex(owner, gi)
	return inner.opBufs.op(owner, off, code, val)
}

// OpBatch applies op across indices/vals per spec's one-to-one (equal
// lengths), one-to-many (single index, many vals), and many-to-one
// (many indices, single val) input shapes, returning one handle per
// entry in submission order.
func (a *Array[T]) OpBatch(indices []int, vals []T, code OpCode) []*OpHandle[T] {
	n := len(indices)
	if len(vals) > n {
		n = len(vals)
	}
	debug.Assert(len(indices) == 1 || len(vals) == 1 || len(indices) == len(vals),
		"array: OpBatch indices/vals length mismatch")
	out := make([]*OpHandle[T], n)
	for k := 0; k < n; k++ {
		idx := indices[0]
		if len(indices) > 1 {
			idx = indices[k]
		}
		v := vals[0]
		if len(vals) > 1 {
			v = vals[k]
		}
		out[k] = a.Op(idx, code, v)
	}
	return out
}
