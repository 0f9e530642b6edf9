// globallock.go implements GlobalLockArray[T] (spec §4.9): a
// collectively-coordinated lock over the whole array.
// array/global_lock_atomic.rs's original runs a distributed lock
// manager; this module simplifies that to a single coordinator (the
// array's team-relative PE 0 holds the real sync.Mutex) reached via two
// small control AMs, documented in the project's grounding ledger as a
// deliberate reduction in scope rather than a missing feature — every PE
// still Lock()s/Unlock()s through the same call, and contention still
// serializes correctly, it just always serializes through PE 0 instead
// of a peer-to-peer token ring.
package array

import (
	"sync"
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/darc"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
	"github.com/tinylib/msgp/msgp"
)

// GlobalLockArray is a distributed array guarded by one collective
// lock: every Lock call, from any PE, serializes through the array's
// coordinator PE before the caller may Get/Put.
type GlobalLockArray[T Dist] struct {
	*Array[T]
}

func NewGlobalLockArray[T Dist](eng *am.Engine, exec *sched.Executor, backend transport.Backend, team *pe.Team, br darc.Barrier, length int, dist Distribution, timeout time.Duration, hkReg *hk.Registry) (*GlobalLockArray[T], error) {
	a, err := newArray[T](eng, exec, backend, team, br, length, dist, darc.GlobalLockAtomicArray, timeout, hkReg)
	if err != nil {
		return nil, err
	}
	return &GlobalLockArray[T]{Array: a}, nil
}

// Lock acquires the array-wide lock, blocking until granted.
func (a *GlobalLockArray[T]) Lock() error { return a.dispatchLockCtl(false) }

// Unlock releases a previously-acquired lock.
func (a *GlobalLockArray[T]) Unlock() error { return a.dispatchLockCtl(true) }

func (a *GlobalLockArray[T]) dispatchLockCtl(unlock bool) error {
	inner := a.inner()
	ctl := &lockCtlAM{PanelID: inner.addr.ID, Unlock: unlock}
	kindName := lockKindName
	if unlock {
		kindName = unlockKindName
	}
	h, err := am.ExecAMPE[struct{}](inner.eng, inner.team, 0, kindName, ctl, decodeLockAck)
	if err != nil {
		return err
	}
	h.Get()
	return nil
}

var globalLocks sync.Map // panel id -> *sync.Mutex

func globalLockFor(panelID uint64) *sync.Mutex {
	v, _ := globalLocks.LoadOrStore(panelID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// lockCtlAM carries a panel id and which of the coordinator's two
// registered kinds (lock/unlock) dispatched it.
type lockCtlAM struct {
	PanelID uint64
	Unlock  bool
}

const (
	lockKindName   = "amrtArrayGlobalLock"
	unlockKindName = "amrtArrayGlobalUnlock"
)

func (a *lockCtlAM) Kind() string {
	if a.Unlock {
		return unlockKindName
	}
	return lockKindName
}

func (a *lockCtlAM) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendUint64(b, a.PanelID)
	b = msgp.AppendBool(b, a.Unlock)
	return b, nil
}

func (a *lockCtlAM) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	a.PanelID, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return b, err
	}
	a.Unlock, b, err = msgp.ReadBoolBytes(b)
	return b, err
}

// Exec runs on the coordinator's worker pool, so acquiring the mutex
// here must stay cooperative: a real Lock() would park this worker for
// as long as the contending PE's matching Unlock AM takes to reach the
// front of the same pool's queue, which can starve that pool outright
// under contention. TryLock driven through ctx.Exec.BlockOn polls
// instead, running other queued work (including, eventually, the
// unlocker) between attempts.
func (a *lockCtlAM) Exec(ctx *amreg.ExecCtx) (any, error) {
	m := globalLockFor(a.PanelID)
	if a.Unlock {
		m.Unlock()
		return nil, nil
	}
	ctx.Exec.BlockOn(m.TryLock)
	return nil, nil
}

func decodeLockAck([]byte) (struct{}, error) { return struct{}{}, nil }

// lockKinds returns this file's two AM registrations, merged into
// Kinds() alongside opam.go's.
func lockKinds() map[string]func() amreg.Executable {
	return map[string]func() amreg.Executable{
		lockKindName:   func() amreg.Executable { return &lockCtlAM{Unlock: false} },
		unlockKindName: func() amreg.Executable { return &lockCtlAM{Unlock: true} },
	}
}
