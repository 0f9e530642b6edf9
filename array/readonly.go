// readonly.go implements ReadOnlyArray[T] (spec §4.9): a read-only view
// reached by collectively converting an UnsafeArray via darc's mode
// machine (spec §4.7's block_on_outstanding), after which every team
// member may Get freely with no write path exposed at all — not merely
// discouraged, since this wrapper simply never forwards Put/Op.
package array

import (
	"context"

	"github.com/amrt-go/amrt/darc"
)

// ReadOnlyArray is an array whose contents are frozen: no Put or Op
// path is exposed, only Get and reductions (reduce.go).
type ReadOnlyArray[T Dist] struct {
	a *Array[T]
}

// IntoReadOnly collectively converts u into a ReadOnlyArray, consuming
// u: every team member must call this with no other outstanding
// references to the backing Dh (spec §4.7's TransitionMode contract).
func (u *UnsafeArray[T]) IntoReadOnly() *ReadOnlyArray[T] {
	u.dh.TransitionMode(darc.ReadOnlyArray, 0, u.hkReg)
	return &ReadOnlyArray[T]{a: u.Array}
}

func (r *ReadOnlyArray[T]) Len() int { return r.a.Len() }
func (r *ReadOnlyArray[T]) NumPEs() int { return r.a.NumPEs() }
func (r *ReadOnlyArray[T]) Release()    { r.a.Release() }

func (r *ReadOnlyArray[T]) Get(ctx context.Context, index int, buf []T) <-chan error {
	return r.a.Get(ctx, index, buf)
}

func (r *ReadOnlyArray[T]) SubArray(offset, size int) *ReadOnlyArray[T] {
	return &ReadOnlyArray[T]{a: r.a.SubArray(offset, size)}
}

func (r *ReadOnlyArray[T]) Reduce(ctx context.Context, op string) (T, error) {
	return r.a.Reduce(ctx, op)
}
