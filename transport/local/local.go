// Package local implements transport.Backend for a single OS process
// simulating num_pes PEs as goroutine groups sharing one address space
// — the backend used by every package test in this module to exercise
// multi-PE behavior (barrier rounds, Dh refcounting, array reductions)
// without real network hardware.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package local

import (
	"context"
	"sync"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/transport"
)

// World is shared by every PE's *Backend handle: the symmetric
// allocation table and the per-(dst) inbound buffer channels live here
// since, in-process, "the network" is just shared memory.
type World struct {
	numPEs int
	mu     sync.Mutex
	allocs map[uint64]*symAlloc
	nextID aatomic.Uint64
	inbox  []chan transport.Inbound
}

type symAlloc struct {
	kind  transport.AllocKind
	pes   []int // world PEs participating, in ascending order
	perPE [][]byte
}

func NewWorld(numPEs int) *World {
	w := &World{numPEs: numPEs, allocs: make(map[uint64]*symAlloc)}
	w.inbox = make([]chan transport.Inbound, numPEs)
	for i := range w.inbox {
		w.inbox[i] = make(chan transport.Inbound, 1024)
	}
	return w
}

// Backend is one PE's view into the shared World.
type Backend struct {
	w      *World
	myPE   int
	closed aatomic.Bool
}

func (w *World) Backend(myPE int) *Backend {
	debug.Assert(myPE >= 0 && myPE < w.numPEs, "pe out of range")
	return &Backend{w: w, myPE: myPE}
}

func (b *Backend) MyPE() int        { return b.myPE }
func (b *Backend) NumPEs() int      { return b.w.numPEs }
func (b *Backend) BackendID() string { return "local" }

func indexOf(pes []int, worldPE int) (int, bool) {
	for i, p := range pes {
		if p == worldPE {
			return i, true
		}
	}
	return 0, false
}

func (b *Backend) Alloc(size int, kind transport.AllocKind, pes []int) (transport.Addr, error) {
	var participants []int
	switch kind {
	case transport.Global:
		participants = make([]int, b.w.numPEs)
		for i := range participants {
			participants[i] = i
		}
	case transport.Sub:
		participants = append([]int(nil), pes...)
	case transport.Local:
		participants = []int{b.myPE}
	}
	// The id comes from a counter shared by every PE's handle, so each
	// call — including each PE's call for the same logical allocation —
	// gets a fresh id and its own allocation. AllocAt, with a caller-
	// computed id, is the path that gives every PE the same Addr.
	id := b.w.nextID.Inc()
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	sa, ok := b.w.allocs[id]
	if !ok {
		sa = &symAlloc{kind: kind, pes: participants}
		sa.perPE = make([][]byte, len(participants))
		for i := range sa.perPE {
			sa.perPE[i] = make([]byte, size)
		}
		b.w.allocs[id] = sa
	}
	return transport.Addr{ID: id, Offset: 0}, nil
}

// AllocAt is used by callers (darc, barrier) that must guarantee every
// team member observes the identical Addr for one logical allocation —
// in this single-process backend that means the first caller creates
// the backing slices and every subsequent caller with the same id joins
// it. Real distributed backends instead rely on a prior barrier plus
// deterministic bump-pointer arithmetic; callers here should still
// barrier, since production backends require it.
func (b *Backend) AllocAt(id uint64, size int, kind transport.AllocKind, pes []int) (transport.Addr, error) {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	if _, ok := b.w.allocs[id]; !ok {
		var participants []int
		switch kind {
		case transport.Global:
			participants = make([]int, b.w.numPEs)
			for i := range participants {
				participants[i] = i
			}
		case transport.Sub:
			participants = append([]int(nil), pes...)
		case transport.Local:
			participants = []int{b.myPE}
		}
		sa := &symAlloc{kind: kind, pes: participants}
		sa.perPE = make([][]byte, len(participants))
		for i := range sa.perPE {
			sa.perPE[i] = make([]byte, size)
		}
		b.w.allocs[id] = sa
	}
	return transport.Addr{ID: id, Offset: 0}, nil
}

func (b *Backend) Free(addr transport.Addr) {
	b.w.mu.Lock()
	delete(b.w.allocs, addr.ID)
	b.w.mu.Unlock()
}

func (b *Backend) sym(addr transport.Addr) *symAlloc {
	b.w.mu.Lock()
	sa := b.w.allocs[addr.ID]
	b.w.mu.Unlock()
	debug.Assert(sa != nil, "use of freed or unknown symmetric address")
	return sa
}

func (b *Backend) LocalAddr(pe int, remote transport.Addr) []byte {
	sa := b.sym(remote)
	idx, ok := indexOf(sa.pes, pe)
	debug.Assert(ok, "pe is not a participant in this allocation")
	return sa.perPE[idx][remote.Offset:]
}

func (b *Backend) RemoteAddr(pe int, local []byte) (transport.Addr, bool) {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	for id, sa := range b.w.allocs {
		idx, ok := indexOf(sa.pes, pe)
		if !ok {
			continue
		}
		base := sa.perPE[idx]
		if len(local) > 0 && len(base) > 0 && &local[0] == &base[0] {
			return transport.Addr{ID: id, Offset: 0}, true
		}
	}
	return transport.Addr{}, false
}

func (b *Backend) Put(_ context.Context, dstPE int, src []byte, dstAddr transport.Addr) <-chan error {
	ch := make(chan error, 1)
	dst := b.LocalAddr(dstPE, dstAddr)
	n := copy(dst, src)
	debug.Assert(n == len(src), "put: destination too small")
	ch <- nil
	close(ch)
	return ch
}

func (b *Backend) IPut(ctx context.Context, dstPE int, src []byte, dstAddr transport.Addr) error {
	return <-b.Put(ctx, dstPE, src, dstAddr)
}

func (b *Backend) PutAll(ctx context.Context, src []byte, dstAddr transport.Addr) <-chan error {
	sa := b.sym(dstAddr)
	ch := make(chan error, 1)
	var wg sync.WaitGroup
	for _, pe := range sa.pes {
		wg.Add(1)
		go func(pe int) {
			defer wg.Done()
			<-b.Put(ctx, pe, src, dstAddr)
		}(pe)
	}
	go func() { wg.Wait(); ch <- nil; close(ch) }()
	return ch
}

func (b *Backend) Get(_ context.Context, srcPE int, srcAddr transport.Addr, dst []byte) <-chan error {
	ch := make(chan error, 1)
	src := b.LocalAddr(srcPE, srcAddr)
	n := copy(dst, src)
	debug.Assert(n == len(dst), "get: source too small")
	ch <- nil
	close(ch)
	return ch
}

func (b *Backend) BootstrapBarrier() {
	// single-process bootstrap: nothing to coordinate beyond memory
	// visibility, which Go's channel/mutex operations already provide.
}

func (b *Backend) Send(_ context.Context, dstPE int, payload []byte) error {
	cp := append([]byte(nil), payload...)
	b.w.inbox[dstPE] <- transport.Inbound{SrcPE: b.myPE, Payload: cp}
	return nil
}

func (b *Backend) Recv() <-chan transport.Inbound { return b.w.inbox[b.myPE] }

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

var _ transport.Backend = (*Backend)(nil)
