// unsafe.go implements UnsafeArray[T] (spec §4.9): the base safety
// flavor with no access coordination at all — concurrent aliasing
// correctness across PEs is entirely the caller's responsibility,
// matching array/unsafe.rs's documented contract.
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

// UnsafeArray is a distributed array with no read/write coordination.
type UnsafeArray[T Dist] struct {
	*Array[T]
}

// NewUnsafeArray collectively constructs an UnsafeArray[T] of length
// elements distributed over team per dist. Every team member must call
// this with matching arguments.
func NewUnsafeArray[T Dist](eng *am.Engine, exec *sched.Executor, backend transport.Backend, team *pe.Team, br darc.Barrier, length int, dist Distribution, timeout time.Duration, hkReg *hk.Registry) (*UnsafeArray[T], error) {
	a, err := newArray[T](eng, exec, backend, team, br, length, dist, darc.UnsafeArray, timeout, hkReg)
	if err != nil {
		return nil, err
	}
	return &UnsafeArray[T]{Array: a}, nil
}

// SubArray narrows the window, same as the embedded Array's SubArray but
// preserving the UnsafeArray wrapper type.
func (u *UnsafeArray[T]) SubArray(offset, size int) *UnsafeArray[T] {
	return &UnsafeArray[T]{Array: u.Array.SubArray(offset, size)}
}
