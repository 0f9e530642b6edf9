package am

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/amrt-go/amrt/am/amstats"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/buf"
	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/cos"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/cmn/mono"
	"github.com/amrt-go/amrt/cmn/nlog"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/request"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
	"github.com/tinylib/msgp/msgp"
)

// AM is the polymorphic, registry-deserializable executable dispatched
// by the engine (spec §4.5's Executable, aliased under the engine's own
// vocabulary).
type AM = amreg.Executable

const (
	// smallThreshold is spec §4.6's small/large AM size cutoff.
	smallThreshold = 10_000
	// MaxBatchSize is spec §4.6's MAX_BATCH_SIZE.
	MaxBatchSize = 1 << 20
	// stallGrace is the flusher's rate-limit grace window (spec §4.6:
	// "a stall counter stops advancing"): how long a destination batch
	// must go without growing before the flusher considers it settled.
	stallGrace = 300 * time.Microsecond
)

// Engine is the AM engine (C6): one per World, shared by every team.
// Batches are keyed only by destination PE at the top level (spec §3:
// "dest-PE -> team -> am-id -> list<...>"); team membership is nested
// inside each destBatch.
type Engine struct {
	backend transport.Backend
	pool    *buf.Pool
	reg     *amreg.Registry
	exec    *sched.Executor
	myPE    int
	world   aatomic.Int64 // spec §4.4 "world-outstanding" counter

	destMu sync.Mutex
	dests  map[int]*destBatch

	pendMu  sync.Mutex
	pending map[string]*pendingReq

	txMu sync.Mutex
	// txed is spec §4.6's "txed-ams" table: a generated fan-out batch id
	// (for a caller where one originating request spawns many
	// sub-requests) mapped to the original request ids still awaiting a
	// reply, so a single "batched unit return" can resolve the whole list.
	txed map[string][]ReqID

	teamsMu sync.Mutex
	teams   map[uint64]*pe.Team

	stats *amstats.Stats

	stopCh chan struct{}
	stopWG sync.WaitGroup
}

// SetStats attaches s as this engine's metrics sink; every counter/
// histogram bump becomes a no-op until this is called, so tests that
// never call it pay nothing beyond a nil check.
func (eng *Engine) SetStats(s *amstats.Stats) { eng.stats = s }

// Stats returns this engine's metrics sink, or nil if none was attached.
func (eng *Engine) Stats() *amstats.Stats { return eng.stats }

type pendingReq struct {
	addResult request.AddResult
	remaining aatomic.Int32
}

// New constructs an Engine bound to backend and starts its receive
// loop. pool supplies outbound/inbound buffers (C2); reg resolves
// incoming am ids to deserializers (C5); exec runs both AM bodies and
// the per-destination flusher tasks (C3).
func New(backend transport.Backend, pool *buf.Pool, reg *amreg.Registry, exec *sched.Executor) *Engine {
	eng := &Engine{
		backend: backend,
		pool:    pool,
		reg:     reg,
		exec:    exec,
		myPE:    backend.MyPE(),
		dests:   make(map[int]*destBatch),
		pending: make(map[string]*pendingReq),
		txed:    make(map[string][]ReqID),
		teams:   make(map[uint64]*pe.Team),
		stopCh:  make(chan struct{}),
	}
	eng.stopWG.Add(1)
	go eng.recvLoop()
	return eng
}

// RegisterTeam makes team resolvable by hash on the receive path; every
// submission call registers its team before use, and world.New registers
// the world team once up front too.
func (eng *Engine) RegisterTeam(team *pe.Team) {
	eng.teamsMu.Lock()
	eng.teams[team.Hash()] = team
	eng.teamsMu.Unlock()
}

func (eng *Engine) teamByHash(hash uint64) *pe.Team {
	eng.teamsMu.Lock()
	defer eng.teamsMu.Unlock()
	return eng.teams[hash]
}

func (eng *Engine) newCounters(team *pe.Team) *request.Counters {
	team.Outstanding().Inc()
	eng.world.Inc()
	return &request.Counters{Team: team.Outstanding(), World: &eng.world}
}

func (eng *Engine) registerPending(reqID ReqID, ar request.AddResult, expect int32) {
	pr := &pendingReq{addResult: ar}
	pr.remaining.Store(expect)
	eng.pendMu.Lock()
	eng.pending[reqID.ID] = pr
	eng.pendMu.Unlock()
}

// Shutdown stops the receive loop; callers should ensure all
// submitted AMs have already been awaited.
func (eng *Engine) Shutdown() {
	close(eng.stopCh)
	eng.stopWG.Wait()
}

//
// submission path (spec §4.6 "Submission path")
//

// ExecAMPE submits am to destination teamPE (team-relative index) and
// returns a handle for its typed return value (spec's exec_am_pe).
func ExecAMPE[T any](eng *Engine, team *pe.Team, teamPE int, kindName string, a AM, decode request.Decoder[T]) (*request.Handle[T], error) {
	worldPE, ok := team.WorldPE(teamPE)
	if !ok {
		return nil, &cos.ErrIdError{PE: teamPE, Team: team.Name()}
	}
	eng.RegisterTeam(team)
	h := request.NewHandle[T](eng.newCounters(team), decode)
	reqID := ReqID{ID: cos.GenUUID()}
	eng.registerPending(reqID, h, 1)
	eng.dispatchOne(team, worldPE, reqID, kindName, a)
	return h, nil
}

// ExecAMAll fans am out to every PE of team and returns a handle
// yielding one result per team-relative PE (spec's exec_am_all).
func ExecAMAll[T any](eng *Engine, team *pe.Team, kindName string, a AM, decode request.Decoder[T]) (*request.MultiHandle[T], error) {
	eng.RegisterTeam(team)
	n := team.NumPEs()
	translate := func(worldPE int) int {
		tp, _ := team.TeamPE(worldPE)
		return tp
	}
	h := request.NewMultiHandle[T](n, translate, eng.newCounters(team), decode)
	reqID := ReqID{ID: cos.GenUUID()}
	eng.registerPending(reqID, h, int32(n))
	for tp := 0; tp < n; tp++ {
		worldPE, _ := team.WorldPE(tp)
		eng.dispatchOne(team, worldPE, reqID, kindName, a)
	}
	return h, nil
}

// ExecAMLocal runs am on the caller's own PE only (spec's exec_am_local),
// bypassing the team/destination machinery entirely.
func ExecAMLocal[T any](eng *Engine, team *pe.Team, a AM, decode request.Decoder[T]) *request.LocalHandle[T] {
	eng.RegisterTeam(team)
	h := request.NewLocalHandle[T](eng.newCounters(team))
	reqID := ReqID{ID: cos.GenUUID()}
	eng.registerPending(reqID, h, 1)
	eng.dispatchLocal(team, a, reqID)
	return h
}

func (eng *Engine) dispatchOne(team *pe.Team, worldPE int, reqID ReqID, kindName string, a AM) {
	if worldPE == eng.myPE {
		eng.dispatchLocal(team, a, reqID)
		return
	}
	kind, err := eng.reg.ByName(kindName)
	debug.AssertNoErr(err)
	payload, err := a.MarshalMsg(nil)
	debug.AssertNoErr(err)
	eng.enqueue(team, worldPE, reqID, entryAM, kind.ID, payload)
}

func (eng *Engine) dispatchLocal(team *pe.Team, a AM, reqID ReqID) {
	eng.exec.SubmitTask(func() {
		ctx := &amreg.ExecCtx{MyPE: eng.myPE, NumPEs: team.NumPEs(), TeamHash: team.Hash(), SrcPE: eng.myPE, Exec: eng.exec}
		result, err := a.Exec(ctx)
		if err != nil {
			nlog.Errorf("am: local exec of %q error: %v", a.Kind(), err)
		}
		eng.deliver(eng.myPE, reqID, eng.toInternalResult(result))
	})
}

// toInternalResult classifies an AM body's return value into spec
// §4.4's three InternalResult shapes, recursively unwrapping the "Am"
// case (exec returned a further AM) since a purely-local dispatch has
// no wire hop to bounce it across.
func (eng *Engine) toInternalResult(result any) request.InternalResult {
	switch v := result.(type) {
	case nil:
		return request.InternalResult{Kind: request.ResultUnit}
	case amreg.Executable:
		ctx := &amreg.ExecCtx{MyPE: eng.myPE, SrcPE: eng.myPE, Exec: eng.exec}
		inner, err := v.Exec(ctx)
		if err != nil {
			nlog.Errorf("am: nested local am %q exec error: %v", v.Kind(), err)
		}
		return eng.toInternalResult(inner)
	default:
		return request.InternalResult{Kind: request.ResultLocal, Local: result}
	}
}

func (eng *Engine) deliver(srcPE int, reqID ReqID, ir request.InternalResult) {
	eng.pendMu.Lock()
	pr, ok := eng.pending[reqID.ID]
	eng.pendMu.Unlock()
	if !ok {
		// reply for an already-evicted request: either every expected
		// reply already arrived, or this is a generated-batch-id reply
		// resolved through ResolveGeneratedBatch below.
		return
	}
	pr.addResult.AddResult(srcPE, int(reqID.SubID), ir)
	pr.addResult.UpdateCounters()
	if pr.remaining.Dec() == 0 {
		eng.pendMu.Lock()
		delete(eng.pending, reqID.ID)
		eng.pendMu.Unlock()
	}
}

//
// fan-out correlation table (spec §4.6 "Return correlation for batched
// requests") — for a caller where one user request spawns a
// generated-id sub-batch of AMs whose replies must all resolve before
// the caller's single handle completes. The array reduction does not use
// it: Reduce gathers through ExecAMAll.
//

// NewGeneratedBatch allocates a fresh id and records the list of
// original request ids it stands in for.
func (eng *Engine) NewGeneratedBatch(originals []ReqID) string {
	id := cos.GenUUID()
	eng.txMu.Lock()
	eng.txed[id] = append([]ReqID(nil), originals...)
	eng.txMu.Unlock()
	return id
}

// ResolveGeneratedBatch delivers ir to every original request the
// generated batch id stands for and removes the table entry — used
// when a remote end returns a generic "batched unit return" in one
// shot rather than one reply per original request.
func (eng *Engine) ResolveGeneratedBatch(srcPE int, genID string, ir request.InternalResult) {
	eng.txMu.Lock()
	originals := eng.txed[genID]
	delete(eng.txed, genID)
	eng.txMu.Unlock()
	for _, r := range originals {
		eng.deliver(srcPE, r, ir)
	}
}

//
// outbound batching (spec §4.6 "Flusher")
//

func (eng *Engine) destFor(worldPE int) *destBatch {
	eng.destMu.Lock()
	defer eng.destMu.Unlock()
	db, ok := eng.dests[worldPE]
	if !ok {
		db = newDestBatch()
		eng.dests[worldPE] = db
	}
	return db
}

// enqueue appends an outbound AM/ReturnAm entry (large ones ship
// directly, bypassing the batch) and, on the empty->non-empty
// transition, spawns this destination's flusher.
func (eng *Engine) enqueue(team *pe.Team, worldPE int, reqID ReqID, kind entryKind, amID int32, payload []byte) {
	if len(payload) > smallThreshold {
		eng.sendLarge(team, worldPE, reqID, kind, amID, payload)
		return
	}
	if eng.stats != nil {
		eng.stats.AMsSent.Inc()
	}
	db := eng.destFor(worldPE)
	before := db.addAM(team, batchEntry{reqID: reqID, kind: kind, amID: amID, payload: payload}) - (int64(len(payload)) + entryOverhead)
	if before == 0 {
		eng.maybeSpawnFlusher(worldPE, db)
	}
}

func (eng *Engine) enqueueReturn(team *pe.Team, worldPE int, e batchEntry) {
	db := eng.destFor(worldPE)
	before := db.addReturn(team, e) - (int64(len(e.payload)) + entryOverhead)
	if before == 0 {
		eng.maybeSpawnFlusher(worldPE, db)
	}
}

func (eng *Engine) maybeSpawnFlusher(worldPE int, db *destBatch) {
	if db.flushing.CAS(false, true) {
		eng.exec.SubmitTask(func() { eng.runFlusher(worldPE, db) })
	}
}

// runFlusher is spec §4.6's flusher task: busy-wait for the batch to
// settle (or hit MAX_BATCH_SIZE), swap it out, serialize, ship, repeat
// until the batch drains to empty, then retire.
func (eng *Engine) runFlusher(worldPE int, db *destBatch) {
	for {
		waitForStall(db)
		snap, n := db.swap()
		if n == 0 {
			db.flushing.Store(false)
			// something may have landed in the instant between swap's
			// zero read and the flag flip; reclaim responsibility rather
			// than leave it stranded with no flusher watching it.
			if db.size.Load() > 0 && db.flushing.CAS(false, true) {
				continue
			}
			return
		}
		eng.flush(worldPE, snap)
	}
}

// waitForStall busy-waits with yields (spec §4.6) until the batch's
// size stops advancing for stallGrace, or it has reached MAX_BATCH_SIZE.
func waitForStall(db *destBatch) {
	last := db.size.Load()
	lastChange := mono.NanoTime()
	for {
		if last >= MaxBatchSize {
			return
		}
		runtime.Gosched()
		cur := db.size.Load()
		if cur != last {
			last = cur
			lastChange = mono.NanoTime()
			continue
		}
		if mono.NanoTime()-lastChange >= int64(stallGrace) {
			return
		}
	}
}

func (eng *Engine) flush(worldPE int, snap map[uint64]*teamEntries) {
	if eng.stats != nil {
		n := 0
		for _, te := range snap {
			for _, entries := range te.amBuckets {
				n += len(entries)
			}
			n += len(te.retEntries)
		}
		eng.stats.BatchSize.Observe(float64(n))
	}
	raw := encodeBatch(snap)
	hdr := &buf.Header{Src: uint16(eng.myPE), Cmd: buf.CmdBatchedMsg}
	b := eng.pool.AllocRetry(hdr.Msgsize() + len(raw))
	if err := b.WriteHeader(hdr); err != nil {
		nlog.Errorf("am: flush header encode to pe %d: %v", worldPE, err)
		b.Drop()
		return
	}
	if err := b.SerializeInto(rawPayload(raw)); err != nil {
		nlog.Errorf("am: flush payload encode to pe %d: %v", worldPE, err)
		b.Drop()
		return
	}
	if err := eng.backend.Send(context.Background(), worldPE, b.Bytes()); err != nil {
		nlog.Errorf("am: send batch to pe %d: %v", worldPE, err)
	}
	b.Drop()
}

// sendLarge ships a single oversized AM/return directly, outside the
// batching path (spec §4.6: "Large AMs are serialized directly into a
// dedicated buffer and shipped individually").
func (eng *Engine) sendLarge(team *pe.Team, worldPE int, reqID ReqID, kind entryKind, amID int32, payload []byte) {
	snap := map[uint64]*teamEntries{team.Hash(): {
		team:      team,
		amBuckets: map[int32][]batchEntry{amID: {{reqID: reqID, kind: kind, amID: amID, payload: payload}}},
	}}
	eng.flush(worldPE, snap)
}

// rawPayload adapts an already-encoded byte slice to buf.Buffer's
// SerializeInto, which expects a msgp.Marshaler-shaped object.
type rawPayload []byte

func (r rawPayload) MarshalMsg(b []byte) ([]byte, error) { return append(b, r...), nil }

var _ msgp.Marshaler = rawPayload(nil)

//
// receive path (spec §4.6 "Receive path")
//

func (eng *Engine) recvLoop() {
	defer eng.stopWG.Done()
	for {
		select {
		case <-eng.stopCh:
			return
		case in := <-eng.backend.Recv():
			eng.handleInbound(in)
		}
	}
}

func (eng *Engine) handleInbound(in transport.Inbound) {
	b := eng.pool.Wrap(in.Payload)
	hdr, err := b.DeserializeHeader()
	if err != nil {
		nlog.Errorf("am: bad header from pe %d: %v", in.SrcPE, err)
		return
	}
	if hdr.Cmd != buf.CmdBatchedMsg {
		nlog.Errorf("am: unexpected top-level cmd %d from pe %d", hdr.Cmd, in.SrcPE)
		return
	}
	eng.handleBatched(in.SrcPE, b.DataAsBytes())
}

func (eng *Engine) handleBatched(srcPE int, payload []byte) {
	sections, err := decodeBatch(payload)
	if err != nil {
		nlog.Errorf("am: malformed batch from pe %d: %v", srcPE, err)
		return
	}
	for _, sec := range sections {
		team := eng.teamByHash(sec.teamHash)
		if team == nil {
			nlog.Errorf("am: unknown team hash %d in batch from pe %d", sec.teamHash, srcPE)
			continue
		}
		for _, a := range sec.ams {
			eng.handleAMEntry(team, srcPE, a)
		}
		for _, r := range sec.returns {
			eng.handleReturnEntry(srcPE, r)
		}
	}
}

func (eng *Engine) handleAMEntry(team *pe.Team, srcPE int, a decodedAM) {
	switch a.cmd {
	case entryAM:
		kind, err := eng.reg.ByID(a.amID)
		if err != nil {
			// spec §7: ProtocolMismatch is fatal — peer linked a different AM set.
			cos.Exitf("am: %v", err)
			return
		}
		execer := kind.New()
		if _, err := execer.UnmarshalMsg(a.payload); err != nil {
			cos.Exitf("am: decode %q (id %d) from pe %d: %v", kind.Name, a.amID, srcPE, err)
			return
		}
		if eng.stats != nil {
			eng.stats.AMsRecv.Inc()
		}
		eng.scheduleRemoteExec(team, srcPE, a.reqID, execer)
	case entryReturnAM:
		kind, err := eng.reg.ByID(-a.amID)
		if err != nil {
			cos.Exitf("am: %v", err)
			return
		}
		inner := kind.New()
		if _, err := inner.UnmarshalMsg(a.payload); err != nil {
			cos.Exitf("am: decode return-am %q (id %d) from pe %d: %v", kind.Name, a.amID, srcPE, err)
			return
		}
		// spec §4.6: "execute locally as a local AM... delivering the
		// value to the waiting handle" — this runs on the original
		// requester, which is exactly where handleInbound is executing.
		eng.exec.SubmitTask(func() {
			ctx := &amreg.ExecCtx{MyPE: eng.myPE, NumPEs: team.NumPEs(), TeamHash: team.Hash(), SrcPE: srcPE, Exec: eng.exec}
			result, err := inner.Exec(ctx)
			if err != nil {
				nlog.Errorf("am: return-am %q exec error: %v", inner.Kind(), err)
			}
			eng.deliver(srcPE, a.reqID, eng.toInternalResult(result))
		})
	default:
		debug.Assertf(false, "am: unexpected am-bucket cmd %d", a.cmd)
	}
}

func (eng *Engine) handleReturnEntry(srcPE int, r decodedReturn) {
	switch r.kind {
	case entryData:
		eng.deliver(srcPE, r.reqID, request.InternalResult{Kind: request.ResultRemote, Remote: r.data})
	case entryUnit:
		eng.deliver(srcPE, r.reqID, request.InternalResult{Kind: request.ResultUnit})
	default:
		debug.Assertf(false, "am: unexpected return-entry kind %d", r.kind)
	}
}

func (eng *Engine) scheduleRemoteExec(team *pe.Team, srcPE int, reqID ReqID, execer AM) {
	eng.exec.SubmitTask(func() {
		ctx := &amreg.ExecCtx{MyPE: eng.myPE, NumPEs: team.NumPEs(), TeamHash: team.Hash(), SrcPE: srcPE, Exec: eng.exec}
		result, err := execer.Exec(ctx)
		if err != nil {
			nlog.Errorf("am: remote exec of %q from pe %d error: %v", execer.Kind(), srcPE, err)
		}
		eng.sendReturn(team, srcPE, reqID, result)
	})
}

// sendReturn routes an executed AM's result back toward destPE,
// classifying it into Unit/Data/ReturnAm per spec §4.6.
func (eng *Engine) sendReturn(team *pe.Team, destPE int, reqID ReqID, result any) {
	switch v := result.(type) {
	case nil:
		eng.enqueueReturn(team, destPE, batchEntry{reqID: reqID, kind: entryUnit})
	case amreg.Executable:
		kind, err := eng.reg.ByName(v.Kind())
		debug.AssertNoErr(err)
		enc, err := v.MarshalMsg(nil)
		debug.AssertNoErr(err)
		eng.enqueue(team, destPE, reqID, entryReturnAM, -kind.ID, enc)
	default:
		marshaler, ok := v.(msgp.Marshaler)
		debug.Assert(ok, "am: data-returning am's result must implement msgp.Marshaler")
		enc, err := marshaler.MarshalMsg(nil)
		debug.AssertNoErr(err)
		eng.enqueueReturn(team, destPE, batchEntry{reqID: reqID, kind: entryData, payload: enc})
	}
}
