// atomic.go implements AtomicArray[T] (spec §4.9): Get/Put/Op all route
// through the same buffered op path every flavor shares, with every
// element access guaranteed atomic at the single-element granularity
// opam.go's applyRawOp already provides via a CAS loop. Since every Dist
// instantiation fits a native 32- or 64-bit atomic word, this package
// only ever builds the native_atomic.rs flavor; the generic,
// mutex-per-element fallback array/generic_atomic.rs describes for
// wider/non-primitive element types has no Dist instantiation that would
// ever reach it, so it is not implemented (documented in the project's
// grounding ledger).
package array

import (
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/darc"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
)

// AtomicArray is a distributed array whose individual element
// operations are atomic with respect to every other AtomicArray
// operation against the same element, local or remote.
type AtomicArray[T Dist] struct {
	*Array[T]
}

func NewAtomicArray[T Dist](eng *am.Engine, exec *sched.Executor, backend transport.Backend, team *pe.Team, br darc.Barrier, length int, dist Distribution, timeout time.Duration, hkReg *hk.Registry) (*AtomicArray[T], error) {
	a, err := newArray[T](eng, exec, backend, team, br, length, dist, darc.NativeAtomicArray, timeout, hkReg)
	if err != nil {
		return nil, err
	}
	return &AtomicArray[T]{Array: a}, nil
}

// Load, Store, Swap, and the FetchXxx/XxxOp family are thin sugar over
// Op/OpHandle.Get for callers that want a plain synchronous call instead
// of holding the handle themselves.

func (a *AtomicArray[T]) Load(index int) (T, error) { return a.Op(index, OpLoad, zeroT[T]()).Get() }

func (a *AtomicArray[T]) Store(index int, val T) error {
	_, err := a.Op(index, OpStore, val).Get()
	return err
}

func (a *AtomicArray[T]) Swap(index int, val T) (T, error) { return a.Op(index, OpSwap, val).Get() }

func (a *AtomicArray[T]) FetchAdd(index int, val T) (T, error) {
	return a.Op(index, OpFetchAdd, val).Get()
}

func (a *AtomicArray[T]) Add(index int, val T) error {
	_, err := a.Op(index, OpAdd, val).Get()
	return err
}

func zeroT[T Dist]() T {
	var z T
	return z
}
