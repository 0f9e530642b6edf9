// See mode.go for Mode. This file implements the handle itself: the
// collectively-constructed panel of refcounts plus the garbage
// collection handshake that frees the panel once every PE has released
// every reference (spec §4.7).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package darc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/cmn/nlog"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/transport"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
	"golang.org/x/sync/errgroup"
)

// Barrier is the minimal collective synchronization New needs: package
// barrier's *Barrier satisfies it directly; tests may supply a
// throwaway WaitGroup-based stand-in.
type Barrier interface{ Wait() }

// panelState is this process's live view of one Dh's panel, looked up
// by refAdjustAM's Exec — which only receives an amreg.ExecCtx, not a
// *transport.Backend — to reach the backend that owns the bytes.
type panelState struct {
	backend transport.Backend
	addr    transport.Addr
	numPEs  int
}

var panels sync.Map // addr.ID -> *panelState

// Panel word layout: two fixed counters followed by one ref-count word
// and one mode word per team member. Every word is 8 bytes so plain
// sync/atomic ops apply directly via unsafe.Pointer, mirroring the
// original's raw AtomicUsize/AtomicU8-over-a-byte-span trick widened to
// a native word per cmn/atomic.Uintptr's documented convention.
const (
	wordLocalCnt = 0
	wordDistCnt  = 1
	panelFixed   = 2
)

func panelSize(numPEs int) int     { return (panelFixed + 2*numPEs) * 8 }
func refCntWord(pe int) int        { return panelFixed + pe }
func modeWordIdx(numPEs, pe int) int { return panelFixed + numPEs + pe }

func wordPtr(raw []byte, idx int) *uint64 {
	return (*uint64)(unsafe.Pointer(&raw[idx*8]))
}

// Dh is a distributed reference-counted handle to a value of type T
// that lives only on the constructing PE (spec §4.7's Dh). Every team
// member holds its own Dh[T] value; only the one whose myWorldPE equals
// srcWorldPE can dereference Item — everyone else holds a pure routing
// handle (panel id + owning PE), the same shape __NetworkDarc ships
// over the wire in the system this is modeled on.
type Dh[T any] struct {
	eng        *am.Engine
	backend    transport.Backend
	team       *pe.Team
	myTeamPE   int
	myWorldPE  int
	srcTeamPE  int
	srcWorldPE int
	numPEs     int
	addr       transport.Addr
	item       *T
	timeout    time.Duration
}

// New collectively constructs a Dh: every team member must call it with
// a matching team and mode. Each PE supplies its own item; the handle
// it gets back owns that PE's replica (srcTeamPE == this PE).
func New[T any](eng *am.Engine, backend transport.Backend, team *pe.Team, br Barrier, item T, mode Mode, timeout time.Duration) (*Dh[T], error) {
	numPEs := team.NumPEs()
	myTeamPE := team.MyPE()
	myWorldPE, _ := team.WorldPE(myTeamPE)

	id := team.NextAllocID()
	br.Wait()
	addr, err := backend.AllocAt(id, panelSize(numPEs), transport.Sub, team.WorldPEs())
	if err != nil {
		return nil, errors.Wrap(err, "darc: alloc panel")
	}
	panels.Store(addr.ID, &panelState{backend: backend, addr: addr, numPEs: numPEs})

	raw := backend.LocalAddr(myWorldPE, addr)
	atomic.StoreUint64(wordPtr(raw, wordLocalCnt), 1)
	atomic.StoreUint64(wordPtr(raw, wordDistCnt), 0)
	for i := 0; i < numPEs; i++ {
		atomic.StoreUint64(wordPtr(raw, modeWordIdx(numPEs, i)), uint64(mode))
	}
	br.Wait()

	v := item
	return &Dh[T]{
		eng: eng, backend: backend, team: team,
		myTeamPE: myTeamPE, myWorldPE: myWorldPE,
		srcTeamPE: myTeamPE, srcWorldPE: myWorldPE,
		numPEs: numPEs, addr: addr, item: &v, timeout: timeout,
	}, nil
}

// Item returns the wrapped value and true only on the PE that
// constructed it; every other PE gets (nil, false), matching this
// package's documented restriction that a Dh's payload, unlike its
// panel, is never transparently remote-readable (spec §4.7's open
// question on cross-PE dereference).
func (d *Dh[T]) Item() (*T, bool) {
	if d.myTeamPE != d.srcTeamPE {
		return nil, false
	}
	return d.item, true
}

// MustItem panics off-PE; use it only where the caller has already
// established (e.g. inside an AM whose target is the owning PE) that
// this handle is local.
func (d *Dh[T]) MustItem() *T {
	v, ok := d.Item()
	debug.Assert(ok, "darc: Item() is only valid on the constructing PE")
	return v
}

func (d *Dh[T]) SrcTeamPE() int { return d.srcTeamPE }
func (d *Dh[T]) IsLocal() bool { return d.myTeamPE == d.srcTeamPE }

// Accessors below expose the construction context back to callers that
// build further structure on top of a Dh (array's safety flavors): the
// engine/backend/team a Dh was built against, and its own team-relative
// position, so a caller never needs to thread them through separately.
func (d *Dh[T]) Team() *pe.Team               { return d.team }
func (d *Dh[T]) Engine() *am.Engine           { return d.eng }
func (d *Dh[T]) Backend() transport.Backend   { return d.backend }
func (d *Dh[T]) MyTeamPE() int                { return d.myTeamPE }
func (d *Dh[T]) NumPEs() int                  { return d.numPEs }
func (d *Dh[T]) Timeout() time.Duration       { return d.timeout }
func (d *Dh[T]) Addr() transport.Addr         { return d.addr }

// Clone adds one to the handle's global local_cnt (live-anywhere count)
// and returns an independent Dh sharing the same panel. Call Release
// when done with either.
func (d *Dh[T]) Clone() *Dh[T] {
	d.adjustWord(wordLocalCnt, 1)
	cp := *d
	return &cp
}

// NetDh is the wire shape a Dh reduces to when shipped as an AM
// argument: a routing triple with no payload, the direct analogue of
// __NetworkDarc.
type NetDh struct {
	PanelID    uint64
	SrcTeamPE  int32
	SrcWorldPE int32
}

func (n NetDh) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendUint64(b, n.PanelID)
	b = msgp.AppendInt32(b, n.SrcTeamPE)
	b = msgp.AppendInt32(b, n.SrcWorldPE)
	return b, nil
}

func (n *NetDh) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	n.PanelID, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return b, err
	}
	n.SrcTeamPE, b, err = msgp.ReadInt32Bytes(b)
	if err != nil {
		return b, err
	}
	n.SrcWorldPE, b, err = msgp.ReadInt32Bytes(b)
	return b, err
}

// ToNet bumps dist_cnt (spec §4.7's "a reference about to cross the
// wire counts as outstanding until it's materialized on the other
// end") and returns the routing triple to embed in an outbound AM.
func (d *Dh[T]) ToNet() NetDh {
	d.adjustWord(wordDistCnt, 1)
	return NetDh{PanelID: d.addr.ID, SrcTeamPE: int32(d.srcTeamPE), SrcWorldPE: int32(d.srcWorldPE)}
}

// FromNet reconstructs a Dh on the receiving PE from a NetDh, bumping
// local_cnt and this PE's ref-count slot exactly as deserializing a
// Darc does upstream, and matches ToNet's dist_cnt increment with the
// corresponding decrement: the reference it shipped is no longer only
// in flight, it has now materialized as this local handle.
func FromNet[T any](eng *am.Engine, backend transport.Backend, team *pe.Team, timeout time.Duration, nd NetDh) *Dh[T] {
	myTeamPE := team.MyPE()
	myWorldPE, _ := team.WorldPE(myTeamPE)
	d := &Dh[T]{
		eng: eng, backend: backend, team: team,
		myTeamPE: myTeamPE, myWorldPE: myWorldPE,
		srcTeamPE: int(nd.SrcTeamPE), srcWorldPE: int(nd.SrcWorldPE),
		numPEs: team.NumPEs(), addr: transport.Addr{ID: nd.PanelID}, timeout: timeout,
	}
	d.adjustWord(wordLocalCnt, 1)
	d.adjustRefCnt(myTeamPE, 1)
	d.adjustWord(wordDistCnt, -1)
	return d
}

// adjustWord mutates one of the two fixed counter words on the
// constructing PE's own replica: a plain local atomic add when this
// process already is that PE, otherwise a fire-and-forget control AM
// (spec §4.7's "drop/send_finished" pattern generalized to every
// counter mutation, since this module has no remote-atomic primitive).
func (d *Dh[T]) adjustWord(word int, delta int64) {
	d.adjust(word, delta)
}

func (d *Dh[T]) adjustRefCnt(teamPE int, delta int64) {
	d.adjust(refCntWord(teamPE), delta)
}

func (d *Dh[T]) adjust(word int, delta int64) {
	if d.myTeamPE == d.srcTeamPE {
		raw := d.backend.LocalAddr(d.srcWorldPE, d.addr)
		atomic.AddUint64(wordPtr(raw, word), uint64(delta))
		return
	}
	a := &refAdjustAM{PanelID: d.addr.ID, Word: int32(word), Delta: delta}
	h, err := am.ExecAMPE[struct{}](d.eng, d.team, d.srcTeamPE, refAdjustKind, a, decodeAck)
	if err != nil {
		nlog.Errorf("darc: panel %d adjust word %d failed: %v", d.addr.ID, word, err)
		return
	}
	_ = h // fire-and-forget: spec §4.6 doesn't require the caller to wait
}

// ModeOf reads this PE's own copy of pe's last-announced mode. Every
// transition broadcasts into every team member's copy of the sender's
// slot (broadcastMode), so reading locally never requires a network
// round trip.
func (d *Dh[T]) ModeOf(teamPE int) Mode {
	raw := d.backend.LocalAddr(d.myWorldPE, d.addr)
	return Mode(atomic.LoadUint64(wordPtr(raw, modeWordIdx(d.numPEs, teamPE))))
}

// tryTransition CAS's this PE's own slot from `from` to `to` and, on
// success, broadcasts the new value into every team member's copy of
// that slot via Put — the scatter DroppedWaitAM performs once per
// garbage-collection cycle.
func (d *Dh[T]) tryTransition(from, to Mode) bool {
	raw := d.backend.LocalAddr(d.myWorldPE, d.addr)
	idx := modeWordIdx(d.numPEs, d.myTeamPE)
	if !atomic.CompareAndSwapUint64(wordPtr(raw, idx), uint64(from), uint64(to)) {
		return false
	}
	d.broadcastMode(to)
	return true
}

// broadcastMode scatters this PE's new mode word to every team member's
// copy of its slot in parallel (spec §4.7's "broadcasts the updated mode
// byte to all team PEs"); one slow/distant PE no longer serializes
// behind every other one.
func (d *Dh[T]) broadcastMode(to Mode) {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], uint64(to))
	offset := modeWordIdx(d.numPEs, d.myTeamPE) * 8
	var g errgroup.Group
	for _, worldPE := range d.team.WorldPEs() {
		worldPE := worldPE
		g.Go(func() error {
			return <-d.backend.Put(nil, worldPE, word[:], transport.Addr{ID: d.addr.ID, Offset: offset})
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Errorf("darc: panel %d mode broadcast: %v", d.addr.ID, err)
	}
}

// TransitionMode implements spec §4.7's block_on_outstanding: the
// mechanism by which an array is converted between safety flavors
// (Unsafe→ReadOnly→Atomic→LocalLock→GlobalLock), each flavor being a Dh
// type wrapping the same symmetric bytes. Every team member must call
// this collectively with the same target mode; extra is the number of
// additional local references the calling flavor wrapper holds beyond
// the constructor's own single reference (0 for a plain conversion that
// consumes its only handle).
func (d *Dh[T]) TransitionMode(target Mode, extra int64, hkReg *hk.Registry) {
	raw := d.backend.LocalAddr(d.myWorldPE, d.addr)
	if hkReg != nil {
		watchdog := hk.NewDeadlineWatchdog(
			fmt.Sprintf("darc-mode-transition-panel%d", d.addr.ID), d.timeout,
			func() string {
				return fmt.Sprintf("panel %d stuck transitioning to mode %s: outstanding refs not draining", d.addr.ID, target)
			})
		unregister := hkReg.Register(watchdog)
		defer unregister()
	}
	for {
		local := atomic.LoadUint64(wordPtr(raw, wordLocalCnt))
		dist := atomic.LoadUint64(wordPtr(raw, wordDistCnt))
		if local == uint64(1+extra) && dist == 0 && d.allRefCntsZero(raw) {
			break
		}
		yieldOS()
	}
	idx := modeWordIdx(d.numPEs, d.myTeamPE)
	atomic.StoreUint64(wordPtr(raw, idx), uint64(target))
	d.broadcastMode(target)
	for pe := 0; pe < d.numPEs; pe++ {
		for d.ModeOf(pe) != target {
			yieldOS()
		}
	}
}

func (d *Dh[T]) allRefCntsZero(raw []byte) bool {
	for pe := 0; pe < d.numPEs; pe++ {
		if atomic.LoadUint64(wordPtr(raw, refCntWord(pe))) != 0 {
			return false
		}
	}
	return true
}

// Release drops one local reference. When the last local reference on
// every PE that ever held one has gone (local_cnt reaches zero here)
// and this PE still owns the Darc/LocalRw/GlobalRw mode, Release
// launches the drop-wait task that frees the panel once the whole team
// agrees it's Dropped (spec §4.7's garbage collection scheme). A
// routing handle obtained via FromNet only ever fire-and-forgets its
// decrement to the owning PE: only the owner's own Release call can
// observe local_cnt reach zero and is ever responsible for transitioning
// its own mode slot.
func (d *Dh[T]) Release(hkReg *hk.Registry) {
	d.adjustWord(wordLocalCnt, -1)
	if d.myTeamPE != d.srcTeamPE {
		return
	}
	raw := d.backend.LocalAddr(d.myWorldPE, d.addr)
	if atomic.LoadUint64(wordPtr(raw, wordLocalCnt)) != 0 {
		return
	}
	for _, candidate := range []Mode{Darc, LocalRw, GlobalRw} {
		if d.tryTransition(candidate, Dropped) {
			go d.runDropWait(hkReg)
			return
		}
	}
}

// runDropWait is the DroppedWaitAM equivalent: wait for every
// outstanding local/dist reference to drain, then free the panel. It
// runs as an ordinary goroutine rather than a scheduled task since it
// only touches this Dh's own bookkeeping, not the scheduler's queues.
func (d *Dh[T]) runDropWait(hkReg *hk.Registry) {
	raw := d.backend.LocalAddr(d.myWorldPE, d.addr)
	var watchdog *hk.DeadlineWatchdog
	var unregister func()
	if hkReg != nil {
		watchdog = hk.NewDeadlineWatchdog("darc-drop-wait", d.timeout, func() string {
			return "darc panel stuck draining local/dist refs"
		})
		unregister = hkReg.Register(watchdog)
		defer unregister()
	}
	for atomic.LoadUint64(wordPtr(raw, wordDistCnt)) != 0 || atomic.LoadUint64(wordPtr(raw, wordLocalCnt)) != 0 {
		yieldOS()
	}
	idx := modeWordIdx(d.numPEs, d.myTeamPE) * 8
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], uint64(Dropped))
	var g errgroup.Group
	for _, worldPE := range d.team.WorldPEs() {
		if worldPE == d.myWorldPE {
			continue
		}
		worldPE := worldPE
		g.Go(func() error {
			return <-d.backend.Put(nil, worldPE, word[:], transport.Addr{ID: d.addr.ID, Offset: idx})
		})
	}
	if err := g.Wait(); err != nil {
		nlog.Errorf("darc: panel %d drop broadcast: %v", d.addr.ID, err)
	}
	for pe := 0; pe < d.numPEs; pe++ {
		for d.ModeOf(pe) != Dropped {
			yieldOS()
		}
	}
	d.backend.Free(d.addr)
	panels.Delete(d.addr.ID)
}

func yieldOS() { <-time.After(time.Microsecond) }

// refAdjustKind is the name this package registers its internal
// control AM under; pass darc.Kinds() into the AM registry any program
// using Dh[T] assembles at startup.
const refAdjustKind = "amrtDarcRefAdjust"

// refAdjustAM mutates one panel word on the PE it's sent to, standing
// in for the real RDMA remote-atomic this module's transport.Backend
// doesn't expose (spec's "send_finished"-style AM already does this
// for one counter; this generalizes it to all of them).
type refAdjustAM struct {
	PanelID uint64
	Word    int32
	Delta   int64
}

func (a *refAdjustAM) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendUint64(b, a.PanelID)
	b = msgp.AppendInt32(b, a.Word)
	b = msgp.AppendInt64(b, a.Delta)
	return b, nil
}

func (a *refAdjustAM) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	a.PanelID, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return b, err
	}
	a.Word, b, err = msgp.ReadInt32Bytes(b)
	if err != nil {
		return b, err
	}
	a.Delta, b, err = msgp.ReadInt64Bytes(b)
	return b, err
}

func (a *refAdjustAM) Exec(ctx *amreg.ExecCtx) (any, error) {
	v, ok := panels.Load(a.PanelID)
	if !ok {
		return nil, errors.Errorf("darc: unknown panel %d on pe %d", a.PanelID, ctx.MyPE)
	}
	p := v.(*panelState)
	raw := p.backend.LocalAddr(ctx.MyPE, p.addr)
	atomic.AddUint64(wordPtr(raw, int(a.Word)), uint64(a.Delta))
	return nil, nil
}

func (a *refAdjustAM) Kind() string { return refAdjustKind }

func decodeAck([]byte) (struct{}, error) { return struct{}{}, nil }

// Kinds returns the AM registrations this package needs; merge it into
// the map passed to amreg.New alongside every other package's kinds.
func Kinds() map[string]func() amreg.Executable {
	return map[string]func() amreg.Executable{
		refAdjustKind: func() amreg.Executable { return &refAdjustAM{} },
	}
}
