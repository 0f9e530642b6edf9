// locallock.go implements LocalLockArray[T] (spec §4.9): a read/write
// lock scoped to each PE's own local slice, guarding same-process
// accessors (WithLocalData/WithLocalDataMut) against each other. Remote
// accesses still go through the normal buffered op path, which is
// single-element atomic, or through Get/Put, which are plain transport
// copies and take no lock; the lock here only protects a
// caller that wants a stable, contiguous view of this PE's own data for
// longer than one element at a time, mirroring
// array/local_lock_atomic.rs's read_lock()/write_lock() local guard.
package array

import (
	"sync"
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/darc"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
)

// LocalLockArray is a distributed array whose own PE's slice is guarded
// by a local read/write lock for any caller that wants to view or
// mutate more than one element at a time without interleaving with
// another local goroutine's own multi-element access.
type LocalLockArray[T Dist] struct {
	*Array[T]
	mu sync.RWMutex
}

func NewLocalLockArray[T Dist](eng *am.Engine, exec *sched.Executor, backend transport.Backend, team *pe.Team, br darc.Barrier, length int, dist Distribution, timeout time.Duration, hkReg *hk.Registry) (*LocalLockArray[T], error) {
	a, err := newArray[T](eng, exec, backend, team, br, length, dist, darc.LocalLockAtomicArray, timeout, hkReg)
	if err != nil {
		return nil, err
	}
	return &LocalLockArray[T]{Array: a}, nil
}

func (a *LocalLockArray[T]) localSlice() []T {
	inner := a.inner()
	myTeamPE := inner.team.MyPE()
	worldPE, _ := inner.team.WorldPE(myTeamPE)
	n := inner.layout.NumElemsForPE(myTeamPE)
	raw := inner.backend.LocalAddr(worldPE, inner.addr)
	return GetSlice[T](raw, n)
}

// WithLocalData calls fn with a snapshot of this PE's own slice held
// under the local read lock.
func (a *LocalLockArray[T]) WithLocalData(fn func(local []T)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.localSlice())
}

// WithLocalDataMut calls fn with a mutable snapshot of this PE's own
// slice held under the local write lock, writing it back when fn
// returns.
func (a *LocalLockArray[T]) WithLocalDataMut(fn func(local []T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	local := a.localSlice()
	fn(local)
	inner := a.inner()
	myTeamPE := inner.team.MyPE()
	worldPE, _ := inner.team.WorldPE(myTeamPE)
	raw := inner.backend.LocalAddr(worldPE, inner.addr)
	PutSlice(raw, local)
}
