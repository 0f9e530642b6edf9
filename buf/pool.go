package buf

import (
	"sync"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/nlog"
	"github.com/pkg/errors"
)

// ErrOutOfMemory is the transient error of spec §7's AllocationOutOfMemory:
// recovered by pool expansion and retry, never surfaced as a fatal error.
var ErrOutOfMemory = errors.New("buf: pool exhausted")

// slab is one size class's free list, grounded on the teacher's
// memsys.MMSA named-allocator shape (memsys/a_test.go: Name, TimeIval,
// MinFree) generalized from SGL pages to {refcount, header, payload}
// buffers.
type slab struct {
	size int
	mu   sync.Mutex
	free [][]byte
}

// Pool is the process-wide buffer pool (C2). It holds one slab per
// power-of-two size class up to maxSlabSize; requests above that are
// allocated directly (large-AM path, spec §4.6).
type Pool struct {
	Name     string
	slabs    []*slab
	cap      aatomic.Int64 // current total capacity, bytes
	maxCap   int64
	inUse    aatomic.Int64
	oomCount aatomic.Int64
}

const (
	minSlabSize = 256
	maxSlabSize = 1 << 20 // 1MiB, matches MAX_BATCH_SIZE (spec §4.6)
)

// NewPool builds a pool with an initial capacity budget of capBytes
// (from Config.MemSize); it expands (doubles) on OutOfMemory rather than
// enforcing the budget as a hard cap — the budget is only the starting
// capacity Alloc checks against (slab size classes are fixed), matching
// spec §4.6's "alloc_pool(size*2)" retry pattern.
func NewPool(name string, capBytes int64) *Pool {
	p := &Pool{Name: name, maxCap: capBytes}
	for sz := minSlabSize; sz <= maxSlabSize; sz <<= 1 {
		p.slabs = append(p.slabs, &slab{size: sz})
	}
	p.cap.Store(capBytes)
	return p
}

func (p *Pool) slabFor(size int) *slab {
	for _, s := range p.slabs {
		if size <= s.size {
			return s
		}
	}
	return nil // larger than maxSlabSize: direct allocation, no slab
}

// Alloc returns a Buffer whose payload window is exactly size bytes
// (before any header is written into it). Returns ErrOutOfMemory when
// the pool has exhausted its current capacity and the caller is
// expected to call ExpandPool and retry (spec §4.1, §4.6).
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if p.inUse.Load()+int64(size) > p.cap.Load() {
		p.oomCount.Inc()
		return nil, ErrOutOfMemory
	}
	raw := p.allocRaw(size)
	p.inUse.Add(int64(size))
	return newBuffer(p, raw), nil
}

func (p *Pool) allocRaw(size int) []byte {
	if s := p.slabFor(size); s != nil {
		s.mu.Lock()
		if n := len(s.free); n > 0 {
			raw := s.free[n-1]
			s.free = s.free[:n-1]
			s.mu.Unlock()
			return raw[:size]
		}
		s.mu.Unlock()
		return make([]byte, size, s.size)
	}
	return make([]byte, size)
}

func (p *Pool) free(raw []byte) {
	p.inUse.Add(-int64(cap(raw)))
	if s := p.slabFor(cap(raw)); s != nil && cap(raw) == s.size {
		s.mu.Lock()
		s.free = append(s.free, raw[:cap(raw)])
		s.mu.Unlock()
	}
	// larger-than-slab allocations are simply dropped for the GC to reclaim.
}

// ExpandPool doubles the pool's capacity budget, reentrancy-safe because
// a worker serving a flusher may trigger it while another goroutine is
// already expanding (spec §5: "pool expansion must be reentrancy-safe").
func (p *Pool) ExpandPool(atLeast int64) {
	for {
		cur := p.cap.Load()
		next := cur * 2
		if next < cur+atLeast {
			next = cur + atLeast
		}
		if p.cap.CAS(cur, next) {
			nlog.Infof("buf: pool %s expanded %d -> %d bytes", p.Name, cur, next)
			return
		}
		// another goroutine already expanded; re-check against the new cap
		if p.cap.Load() >= cur+atLeast {
			return
		}
	}
}

// AllocRetry is the canonical "alloc; on OutOfMemory, expand 2x and
// retry" loop described in spec §4.6 for the flusher's buffer request
// and §4.1's serialize_header contract. It never gives up: no AM is
// dropped (spec §4.6 Failure semantics).
func (p *Pool) AllocRetry(size int) *Buffer {
	for {
		b, err := p.Alloc(size)
		if err == nil {
			return b
		}
		p.ExpandPool(int64(size) * 2)
	}
}

// Wrap adopts externally-provided bytes (e.g. a buffer just handed back
// by the transport's receive path) as a single-reference Buffer without
// drawing from the pool's allocation budget — the bytes already exist;
// only the refcount/header bookkeeping is new.
func (p *Pool) Wrap(raw []byte) *Buffer { return newBuffer(p, raw) }

func (p *Pool) InUse() int64   { return p.inUse.Load() }
func (p *Pool) Cap() int64     { return p.cap.Load() }
func (p *Pool) OOMCount() int64 { return p.oomCount.Load() }
