// Package barrier implements the dissemination-pattern collective
// synchronization (C8) used to gate collective state transitions: team
// construction, Dh mode changes, and array reductions all team-barrier
// before and/or after their shared-state mutation. Ported from
// _examples/original_source/src/barrier.rs's Barrier (DISSEMINATION_FACTOR,
// per-round partner computation, the barrier_cnt round-tag counter),
// translated from raw MemoryRegion put/spin-wait to transport.Backend.Put
// plus an hk-registered deadlock watchdog (the teacher's housekeeping
// idiom, same as darc's drop-wait).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package barrier

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/transport"
)

// DefaultDissemination is spec §4.8's default radix n (LAMELLAR_BARRIER_DISSEMINATION_FACTOR).
const DefaultDissemination = 2

// Barrier is a collective synchronization point over one team. Every
// team member must construct its own Barrier with New (collectively,
// matching parameters) and call Wait the same number of times; a call
// to Wait blocks the calling goroutine (not the whole OS thread pool —
// callers running inside a sched.Executor worker should run Wait from
// a dedicated goroutine or accept that it occupies that worker) until
// every member has entered the corresponding round.
type Barrier struct {
	backend   transport.Backend
	team      *pe.Team
	myIndex   int
	numPEs    int
	n         int // dissemination factor
	numRounds int
	cnt       aatomic.Uint64 // barrier_cnt, spec's monotonically increasing round tag
	bufs      []transport.Addr
	sendBuf   transport.Addr
	timeout   time.Duration
	hkReg     *hk.Registry
}

// New collectively constructs a Barrier over team. n is the
// dissemination radix (pass DefaultDissemination for spec's default of
// 2); every member must supply the same n. hkReg may be nil to disable
// the deadlock watchdog.
func New(backend transport.Backend, team *pe.Team, n int, timeout time.Duration, hkReg *hk.Registry) (*Barrier, error) {
	numPEs := team.NumPEs()
	var numRounds int
	if n > 1 && numPEs > 2 {
		numRounds = int(math.Ceil(math.Log(float64(numPEs)) / math.Log(float64(n+1))))
	} else {
		n = 1
		if numPEs > 1 {
			numRounds = int(math.Log2(float64(numPEs)))
		}
	}
	b := &Barrier{
		backend: backend, team: team, myIndex: team.MyPE(), numPEs: numPEs,
		n: n, numRounds: numRounds, timeout: timeout, hkReg: hkReg,
	}
	b.cnt.Store(1)
	if numPEs <= 1 {
		return b, nil
	}

	b.bufs = make([]transport.Addr, n)
	for i := 0; i < n; i++ {
		id := team.NextAllocID()
		addr, err := backend.AllocAt(id, numRounds*8, transport.Sub, team.WorldPEs())
		if err != nil {
			return nil, err
		}
		b.bufs[i] = addr
	}
	sendID := team.NextAllocID()
	sendAddr, err := backend.AllocAt(sendID, 8, transport.Sub, team.WorldPEs())
	if err != nil {
		return nil, err
	}
	b.sendBuf = sendAddr

	myWorld, _ := team.WorldPE(b.myIndex)
	for i := 0; i < n; i++ {
		raw := backend.LocalAddr(myWorld, b.bufs[i])
		for r := 0; r < numRounds; r++ {
			atomic.StoreUint64(wordPtr(raw, r), 0)
		}
	}
	atomic.StoreUint64(wordPtr(backend.LocalAddr(myWorld, b.sendBuf), 0), 0)
	return b, nil
}

func wordPtr(raw []byte, idx int) *uint64 {
	return (*uint64)(unsafe.Pointer(&raw[idx*8]))
}

// Wait blocks until every team member has called Wait the same number
// of times (spec §4.8). Collective: every team member must call it.
func (b *Barrier) Wait() {
	if b.numPEs <= 1 {
		return
	}
	myWorld, _ := b.team.WorldPE(b.myIndex)
	// fetch_add semantics: this call's id is the value before the
	// increment, matching barrier_cnt.fetch_add(1) in the original.
	barrierID := b.cnt.Add(1) - 1

	var watchdog *hk.DeadlineWatchdog
	var unregister func()
	if b.hkReg != nil {
		watchdog = hk.NewDeadlineWatchdog(fmt.Sprintf("barrier-pe%d-id%d", b.myIndex, barrierID), b.timeout, func() string {
			return "potential deadlock: barrier is a collective operation requiring every team member to enter the call"
		})
		unregister = b.hkReg.Register(watchdog)
		defer unregister()
	}

	word := make([]byte, 8)
	binary.LittleEndian.PutUint64(word, barrierID)

	for round := 0; round < b.numRounds; round++ {
		for i := 1; i <= b.n; i++ {
			teamSendPE := (b.myIndex + i*powInt(b.n+1, round)) % b.numPEs
			if teamSendPE == b.myIndex {
				continue
			}
			sendWorld, _ := b.team.WorldPE(teamSendPE)
			<-b.backend.Put(context.Background(), sendWorld, word, b.bufs[i-1].WithOffset(round*8))
		}
		for i := 1; i <= b.n; i++ {
			teamRecvPE := mod(b.myIndex-i*powInt(b.n+1, round), b.numPEs)
			if teamRecvPE == b.myIndex {
				continue
			}
			raw := b.backend.LocalAddr(myWorld, b.bufs[i-1])
			for atomic.LoadUint64(wordPtr(raw, round)) < barrierID {
				runtime.Gosched()
			}
		}
	}
}

func powInt(base, exp int) int {
	r := 1
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

func mod(x, m int) int {
	r := x % m
	if r < 0 {
		r += m
	}
	return r
}

// NumRounds reports the number of dissemination rounds one Wait call
// performs, for tests asserting on the computed schedule.
func (b *Barrier) NumRounds() int { return b.numRounds }
