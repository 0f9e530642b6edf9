// Package request implements the handles returned to callers of an
// active message: Handle[T] for a single-destination call,
// MultiHandle[T] for a call fanned out to several PEs, and LocalHandle[T]
// for a purely-local invocation. Grounded line-for-line on
// lamellar_request.rs's LamellarRequestHandle / LamellarMultiRequestHandle
// / LamellarLocalRequestHandle, translated from Arc<AtomicBool>+Cell to a
// Go atomic.Bool plus a one-shot close-channel: closing a channel is the
// idiomatic Go wakeup a spin-yield loop achieves in the original. Get
// is a plain blocking receive, meant for a caller's own top-level
// goroutine (the Go analogue of the original's block_on called by user
// code). Code that reaches a handle from inside a task already running
// on a sched.Executor's worker pool must call BlockGet instead: it
// drains that executor's queues while it waits, so the wait never parks
// a worker the way a raw channel receive would (spec §5's cooperative-
// wait invariant).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package request

import (
	"sync"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/sched"
)

// ResultKind discriminates InternalResult's three shapes (spec §4.4).
type ResultKind int

const (
	ResultLocal ResultKind = iota
	ResultRemote
	ResultUnit
)

// InternalResult carries one AM's outcome before it has been decoded
// into the caller's T: a locally-produced value, undecoded remote
// bytes, or nothing (unit-returning AM).
type InternalResult struct {
	Kind   ResultKind
	Local  any
	Remote []byte
}

// Counters bundles the outstanding-request counters a completed request
// must decrement: per-team, per-world, and (optionally) per-task-group.
type Counters struct {
	Team *aatomic.Int64
	World *aatomic.Int64
	TG   *aatomic.Int64 // nil if this request isn't part of a task group
}

func (c *Counters) decrement() {
	if c == nil {
		return
	}
	c.Team.Dec()
	c.World.Dec()
	if c.TG != nil {
		c.TG.Dec()
	}
}

// AddResult is the runtime-facing contract every handle flavor
// satisfies: the dispatch path calls it once per expected reply,
// regardless of which concrete handle type the caller is holding.
type AddResult interface {
	UserHeld() bool
	AddResult(pe, subID int, data InternalResult)
	UpdateCounters()
}

// Decoder turns undecoded remote bytes into T; supplied by the AM
// engine when it constructs a handle for a given AM's declared return type.
type Decoder[T any] func([]byte) (T, error)

func processResult[T any](data InternalResult, decode Decoder[T]) T {
	switch data.Kind {
	case ResultLocal:
		v, ok := data.Local.(T)
		debug.Assert(ok, "unexpected local result type")
		return v
	case ResultRemote:
		v, err := decode(data.Remote)
		debug.AssertNoErr(err)
		return v
	default: // ResultUnit
		var zero T
		return zero
	}
}

// Handle is the single-destination request handle (spec's
// LamellarRequestHandle equivalent).
type Handle[T any] struct {
	ready    aatomic.Bool
	userHeld aatomic.Bool
	done     chan struct{}
	mu       sync.Mutex
	data     InternalResult
	counters *Counters
	decode   Decoder[T]
}

// NewHandle constructs a held (UserHeld()==true) handle; the caller is
// expected to have already incremented counters before submission.
func NewHandle[T any](counters *Counters, decode Decoder[T]) *Handle[T] {
	h := &Handle[T]{done: make(chan struct{}), counters: counters, decode: decode}
	h.userHeld.Store(true)
	return h
}

func (h *Handle[T]) UserHeld() bool { return h.userHeld.Load() }

// Release marks the handle as dropped by its user (spec's Drop impl);
// the dispatch path uses UserHeld to skip decoding work nobody will read.
func (h *Handle[T]) Release() { h.userHeld.Store(false) }

func (h *Handle[T]) AddResult(_, _ int, data InternalResult) {
	h.mu.Lock()
	h.data = data
	h.mu.Unlock()
	h.ready.Store(true)
	close(h.done)
}

func (h *Handle[T]) UpdateCounters() { h.counters.decrement() }

// Get blocks the calling goroutine until the result arrives and
// returns the decoded value. Only safe to call from a caller's own
// top-level goroutine; a task running on a sched.Executor must use
// BlockGet so the wait stays cooperative.
func (h *Handle[T]) Get() T {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return processResult(h.data, h.decode)
}

// BlockGet cooperatively waits for the result on exec: it runs exec's
// own queued tasks while waiting instead of parking the calling
// goroutine, so a task that awaits its own handle from inside exec's
// worker pool can never starve that pool (spec §5).
func (h *Handle[T]) BlockGet(exec *sched.Executor) T {
	exec.BlockOn(h.Ready)
	h.mu.Lock()
	defer h.mu.Unlock()
	return processResult(h.data, h.decode)
}

// Ready reports completion without blocking, for cooperative polling
// loops (sched.Executor.BlockOn).
func (h *Handle[T]) Ready() bool { return h.ready.Load() }

// MultiHandle is the fanned-out request handle (spec's
// LamellarMultiRequestHandle equivalent): one result expected per
// destination PE, indexed by team-relative PE after translation.
type MultiHandle[T any] struct {
	cnt       aatomic.Int64
	userHeld  aatomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	data      map[int]InternalResult
	translate func(worldPE int) int
	counters  *Counters
	decode    Decoder[T]
}

// NewMultiHandle constructs a handle expecting `expect` results.
// translate maps a wire-reported world PE to its team-relative index;
// pass an identity function when no team indirection applies.
func NewMultiHandle[T any](expect int, translate func(int) int, counters *Counters, decode Decoder[T]) *MultiHandle[T] {
	h := &MultiHandle[T]{
		done:      make(chan struct{}),
		data:      make(map[int]InternalResult, expect),
		translate: translate,
		counters:  counters,
		decode:    decode,
	}
	h.cnt.Store(int64(expect))
	h.userHeld.Store(true)
	return h
}

func (h *MultiHandle[T]) UserHeld() bool { return h.userHeld.Load() }
func (h *MultiHandle[T]) Release()       { h.userHeld.Store(false) }

func (h *MultiHandle[T]) AddResult(pe, _ int, data InternalResult) {
	teamPE := h.translate(pe)
	h.mu.Lock()
	h.data[teamPE] = data
	h.mu.Unlock()
	if h.cnt.Dec() == 0 {
		h.closeOnce.Do(func() { close(h.done) })
	}
}

func (h *MultiHandle[T]) UpdateCounters() { h.counters.decrement() }

// Get blocks until every expected reply has arrived, then returns the
// decoded values ordered by team-relative PE index.
func (h *MultiHandle[T]) Get() []T {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	res := make([]T, 0, len(h.data))
	for pe := 0; pe < len(h.data); pe++ {
		res = append(res, processResult(h.data[pe], h.decode))
	}
	return res
}

func (h *MultiHandle[T]) Ready() bool { return h.cnt.Load() <= 0 }

// LocalHandle is the purely-local request handle (spec's
// LamellarLocalRequestHandle equivalent): used when the target PE of an
// AM is the caller's own PE, so no wire round trip or deserialization
// is ever involved.
type LocalHandle[T any] struct {
	ready    aatomic.Bool
	userHeld aatomic.Bool
	done     chan struct{}
	mu       sync.Mutex
	data     any
	counters *Counters
}

func NewLocalHandle[T any](counters *Counters) *LocalHandle[T] {
	h := &LocalHandle[T]{done: make(chan struct{}), counters: counters}
	h.userHeld.Store(true)
	return h
}

func (h *LocalHandle[T]) UserHeld() bool { return h.userHeld.Load() }
func (h *LocalHandle[T]) Release()       { h.userHeld.Store(false) }

func (h *LocalHandle[T]) AddResult(_, _ int, data InternalResult) {
	debug.Assert(data.Kind != ResultRemote, "local request received a remote result")
	h.mu.Lock()
	if data.Kind == ResultUnit {
		var zero T
		h.data = zero
	} else {
		h.data = data.Local
	}
	h.mu.Unlock()
	h.ready.Store(true)
	close(h.done)
}

func (h *LocalHandle[T]) UpdateCounters() { h.counters.decrement() }

func (h *LocalHandle[T]) Get() T {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data.(T)
	debug.Assert(ok, "unexpected local result type")
	return v
}

func (h *LocalHandle[T]) Ready() bool { return h.ready.Load() }

var (
	_ AddResult = (*Handle[int])(nil)
	_ AddResult = (*MultiHandle[int])(nil)
	_ AddResult = (*LocalHandle[int])(nil)
)
