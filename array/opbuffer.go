// opbuffer.go implements spec §4.9's buffered element-wise operation
// path: Op() calls enqueue into a per-(array, destination pe) queue and
// a lazily-spawned flusher task (mirroring am/batch.go's destBatch and
// am/engine.go's waitForStall/runFlusher state machine, parameterized
// here by array instance instead of by the whole engine) drains it into
// one opAM dispatch once the queue stops growing.
package array

import (
	"runtime"
	"sync"
	"time"

	"github.com/amrt-go/amrt/am"
	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/mono"
	"github.com/amrt-go/amrt/cmn/nlog"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
)

// opStallGrace is this package's analogue of am's stallGrace: how long a
// destination's op queue must go unchanged before a flush cycle fires.
const opStallGrace = 200 * time.Microsecond

// OpHandle is the result of a single Op call: Get blocks until the
// owning flush cycle has shipped, executed, and (for fetch ops)
// returned this entry's pre-op value.
type OpHandle[T Dist] struct {
	done   chan error
	result T
}

// Get blocks until this op has been applied and returns its fetch value
// (the zero value of T for non-fetch ops) and any dispatch error.
func (h *OpHandle[T]) Get() (T, error) {
	err := <-h.done
	return h.result, err
}

type opReq[T Dist] struct {
	localOffset int32
	op          OpCode
	val         T
	out         *OpHandle[T]
}

type destOpBuf[T Dist] struct {
	mu       sync.Mutex
	reqs     []*opReq[T]
	size     aatomic.Int64
	flushing aatomic.Bool
}

func (db *destOpBuf[T]) enqueue(r *opReq[T]) int64 {
	db.mu.Lock()
	db.reqs = append(db.reqs, r)
	db.mu.Unlock()
	return db.size.Add(1)
}

func (db *destOpBuf[T]) swap() []*opReq[T] {
	db.mu.Lock()
	snap := db.reqs
	db.reqs = nil
	db.mu.Unlock()
	db.size.Swap(0)
	return snap
}

// opBufferSet owns one destOpBuf per destination team-PE for a single
// array instance. It is created once per Inner[T] and lives as long as
// the array's backing allocation does.
type opBufferSet[T Dist] struct {
	eng     *am.Engine
	exec    *sched.Executor
	team    *pe.Team
	panelID uint64 // arrayPanel id, i.e. Inner.addr.ID

	mu    sync.Mutex
	dests map[int]*destOpBuf[T]
}

func newOpBufferSet[T Dist](eng *am.Engine, exec *sched.Executor, team *pe.Team, panelID uint64) *opBufferSet[T] {
	return &opBufferSet[T]{eng: eng, exec: exec, team: team, panelID: panelID, dests: make(map[int]*destOpBuf[T])}
}

func (s *opBufferSet[T]) destFor(teamPE int) *destOpBuf[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dests[teamPE]
	if !ok {
		db = &destOpBuf[T]{}
		s.dests[teamPE] = db
	}
	return db
}

// enqueue queues req against teamPE's buffer and, on the empty->nonempty
// transition, spawns that destination's flusher task.
func (s *opBufferSet[T]) enqueue(teamPE int, req *opReq[T]) {
	db := s.destFor(teamPE)
	if db.enqueue(req) == 1 && db.flushing.CAS(false, true) {
		s.exec.SubmitTask(func() { s.runFlusher(teamPE, db) })
	}
}

func (s *opBufferSet[T]) runFlusher(teamPE int, db *destOpBuf[T]) {
	for {
		waitForOpStall(db)
		snap := db.swap()
		if len(snap) == 0 {
			db.flushing.Store(false)
			if db.size.Load() > 0 && db.flushing.CAS(false, true) {
				continue
			}
			return
		}
		s.flush(teamPE, snap)
	}
}

func waitForOpStall[T Dist](db *destOpBuf[T]) {
	last := db.size.Load()
	lastChange := mono.NanoTime()
	for {
		runtime.Gosched()
		cur := db.size.Load()
		if cur != last {
			last = cur
			lastChange = mono.NanoTime()
			continue
		}
		if mono.NanoTime()-lastChange >= int64(opStallGrace) {
			return
		}
	}
}

// flush serializes snap into one opAM and dispatches it to teamPE,
// fanning the (optional) fetch results back out to each request's own
// handle in submission order once the reply arrives.
func (s *opBufferSet[T]) flush(teamPE int, snap []*opReq[T]) {
	sz := ElemSize[T]()
	entries := make([]opEntry, len(snap))
	for i, r := range snap {
		var e opEntry
		e.LocalOffset = r.localOffset
		e.Op = r.op
		PutElem(e.Val[:sz], r.val)
		entries[i] = e
	}
	a := &opAM{PanelID: s.panelID, ElemKind: kindOf[T](), Entries: entries}
	h, err := am.ExecAMPE[opResult](s.eng, s.team, teamPE, opKindName, a, decodeOpResult)
	if err != nil {
		for _, r := range snap {
			r.out.done <- err
		}
		return
	}
	// flush runs inside a task already submitted to s.exec (runFlusher ->
	// SubmitTask), so awaiting the reply here must stay cooperative:
	// BlockGet drains s.exec's own queues while it waits instead of
	// parking this worker (spec §5).
	res := h.BlockGet(s.exec)
	fi := 0
	for _, r := range snap {
		if r.op.IsFetch() {
			if (fi+1)*sz <= len(res.Data) {
				r.out.result = GetElem[T](res.Data[fi*sz:])
			} else {
				nlog.Errorf("array: op reply from pe %d missing fetch result", teamPE)
			}
			fi++
		}
		r.out.done <- nil
	}
}

// op queues a single element-wise operation against this PE's own
// view of the array's layout: localPE is the owning team-PE, localOffset
// its element offset within that PE's slice.
func (s *opBufferSet[T]) op(localPE int, localOffset int, code OpCode, val T) *OpHandle[T] {
	h := &OpHandle[T]{done: make(chan error, 1)}
	s.enqueue(localPE, &opReq[T]{localOffset: int32(localOffset), op: code, val: val, out: h})
	return h
}
