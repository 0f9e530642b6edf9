// Package transport defines the contract the AM engine, barrier, and
// distributed array need from "the network" (spec §4.1): bytes in/out
// between PEs, local/remote address translation, and a symmetric-heap
// allocator. The real RDMA/fabric library is an external collaborator
// (spec §1); this package names the interface and ships two concrete,
// testable implementations under transport/local and transport/tcp.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import "context"

// AllocKind selects the symmetric-heap allocation flavor (spec §4.1).
type AllocKind int

const (
	// Global: every PE in the backend's world participates.
	Global AllocKind = iota
	// Sub: only the listed world PEs participate (team-scoped alloc).
	Sub
	// Local: non-symmetric, single-PE allocation.
	Local
)

// Addr is an opaque symmetric-heap handle. A single collective Alloc
// call returns the identical Addr value on every participating PE
// (spec §4.1's defining invariant of the symmetric heap).
type Addr struct {
	ID     uint64
	Offset int
}

func (a Addr) WithOffset(delta int) Addr { return Addr{ID: a.ID, Offset: a.Offset + delta} }

// Backend is the C1 contract. Put/Get operate on raw bytes at a
// destination/source PE's view of a symmetric allocation; Send/Recv
// carry whole serialized AM-engine buffers (the path C6 uses).
type Backend interface {
	MyPE() int
	NumPEs() int
	BackendID() string

	// Put writes src into dstPE's view of dstAddr. Returns a channel
	// closed when the write completes (async variant of spec §4.1).
	Put(ctx context.Context, dstPE int, src []byte, dstAddr Addr) <-chan error
	// IPut is the blocking variant: it does not return until the write
	// has completed.
	IPut(ctx context.Context, dstPE int, src []byte, dstAddr Addr) error
	// PutAll writes src into every PE's view of dstAddr.
	PutAll(ctx context.Context, src []byte, dstAddr Addr) <-chan error
	// Get reads from srcPE's view of srcAddr into dst.
	Get(ctx context.Context, srcPE int, srcAddr Addr, dst []byte) <-chan error

	// Alloc is collective for Global/Sub: every participating PE must
	// call it with matching (size, kind, pes) so they agree on the
	// returned Addr (spec §9's "Collective construction"). It mints a
	// fresh id internally, so it only yields a truly symmetric Addr when
	// every participant's call sequence up to this point has been
	// identical (e.g. bootstrap-time, single-shot allocations).
	Alloc(size int, kind AllocKind, pes []int) (Addr, error)
	// AllocAt is Alloc's deterministic-id counterpart: every participant
	// supplies the identical caller-computed id (see pe.Team.NextAllocID,
	// whose monotonic per-team sequence every member advances in
	// lockstep for the same collective call) so the returned Addr is
	// symmetric even when calls from different PEs race each other.
	// Used by every Dh-constructing and collective-buffer-owning caller
	// (darc, barrier) instead of Alloc.
	AllocAt(id uint64, size int, kind AllocKind, pes []int) (Addr, error)
	Free(addr Addr)

	// LocalAddr/RemoteAddr translate between a PE's local byte-slice
	// view of addr and the symmetric Addr itself.
	LocalAddr(pe int, remote Addr) []byte
	RemoteAddr(pe int, local []byte) (Addr, bool)

	// BootstrapBarrier is used only during process bootstrap (the
	// runtime barrier proper is package barrier, C8).
	BootstrapBarrier()

	// Send/Recv carry whole AM-engine wire buffers point to point,
	// reliable and in order per (src,dst) pair (spec §4.1's assumption).
	Send(ctx context.Context, dstPE int, payload []byte) error
	Recv() <-chan Inbound

	Close() error
}

// Inbound is one received wire buffer plus the world PE it came from.
type Inbound struct {
	SrcPE   int
	Payload []byte
}
