package am

import (
	"sort"
	"sync"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/pe"
	"github.com/tinylib/msgp/msgp"
)

// entryKind discriminates a batchEntry's wire shape (spec §4.6/§6).
type entryKind uint8

const (
	entryAM entryKind = iota
	entryReturnAM
	entryData
	entryUnit
)

// batchEntry is one item of spec §3's Batch: `(req-id, am-or-result)`.
// payload is the pre-encoded bytes (an AM's MarshalMsg, or a Data
// return's raw value bytes); unused for entryUnit.
type batchEntry struct {
	reqID   ReqID
	kind    entryKind
	amID    int32
	payload []byte
}

// teamEntries is one team's slice of a destination's Batch (spec §3):
// am-id buckets for outbound AM/ReturnAm entries, plus a flat list of
// non-AM (Data/Unit) return entries bound for that same destination.
// Splitting the batch by team (rather than flattening entirely) is this
// implementation's documented choice among spec §9's "union of
// contracts": it lets the receive side resolve Team membership once per
// section instead of per entry.
type teamEntries struct {
	team      *pe.Team
	amBuckets map[int32][]batchEntry
	retEntries []batchEntry
}

func newTeamEntries(team *pe.Team) *teamEntries {
	return &teamEntries{team: team, amBuckets: make(map[int32][]batchEntry)}
}

// destBatch is spec §3's per-destination Batch: a lazily-created
// mapping team -> am-id -> entries, plus a running byte estimate
// (payload length plus entryOverhead per entry) used to detect the
// empty<->non-empty transition that spawns/retires the flusher (spec
// §5's "swap on an atomic" guarantee) and the MaxBatchSize cut-off. The
// outgoing buffer itself is sized by Engine.flush from the encoded batch.
type destBatch struct {
	mu       sync.Mutex
	teams    map[uint64]*teamEntries
	size     aatomic.Int64
	flushing aatomic.Bool
}

func newDestBatch() *destBatch {
	return &destBatch{teams: make(map[uint64]*teamEntries)}
}

func (db *destBatch) teamEntry(team *pe.Team) *teamEntries {
	te, ok := db.teams[team.Hash()]
	if !ok {
		te = newTeamEntries(team)
		db.teams[team.Hash()] = te
	}
	return te
}

// addAM appends an outbound AM (or return-AM) entry and bumps the size
// counter; the caller decides, from the pre-increment size, whether it
// won the race to spawn this destination's flusher.
func (db *destBatch) addAM(team *pe.Team, e batchEntry) int64 {
	db.mu.Lock()
	te := db.teamEntry(team)
	te.amBuckets[e.amID] = append(te.amBuckets[e.amID], e)
	db.mu.Unlock()
	return db.size.Add(int64(len(e.payload)) + entryOverhead)
}

// addReturn appends an outbound Data/Unit return entry.
func (db *destBatch) addReturn(team *pe.Team, e batchEntry) int64 {
	db.mu.Lock()
	te := db.teamEntry(team)
	te.retEntries = append(te.retEntries, e)
	db.mu.Unlock()
	return db.size.Add(int64(len(e.payload)) + entryOverhead)
}

// entryOverhead is a rough per-entry fixed-cost estimate (req id +
// framing) added to the running byte count alongside each entry's
// variable payload length, so the flusher's MAX_BATCH_SIZE check tracks
// actual wire size closely enough to bound buffer growth.
const entryOverhead = 32

// swap atomically detaches the current team map and zeroes the size
// counter, handing the flusher an isolated snapshot to serialize while
// new entries keep accumulating in a fresh, empty map (spec §3: "a
// single flusher task... atomically swaps the batch out").
func (db *destBatch) swap() (map[uint64]*teamEntries, int64) {
	db.mu.Lock()
	snap := db.teams
	db.teams = make(map[uint64]*teamEntries)
	db.mu.Unlock()
	return snap, db.size.Swap(0)
}

func sortedTeams(snap map[uint64]*teamEntries) []*teamEntries {
	out := make([]*teamEntries, 0, len(snap))
	for _, te := range snap {
		out = append(out, te)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].team.Hash() < out[j].team.Hash() })
	return out
}

func sortedAMIDs(buckets map[int32][]batchEntry) []int32 {
	out := make([]int32, 0, len(buckets))
	for id := range buckets {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// encodeBatch serializes a swapped-out snapshot into the BatchedMsg
// payload (spec §6): per team, a TeamHeader, then each am-id bucket's
// BatchedAmHeader followed by its entries, then a return-entry count
// and the Data/Unit entries themselves.
func encodeBatch(snap map[uint64]*teamEntries) []byte {
	var out []byte
	for _, te := range sortedTeams(snap) {
		out = msgp.AppendUint64(out, te.team.Hash())
		amIDs := sortedAMIDs(te.amBuckets)
		out = msgp.AppendUint64(out, uint64(len(amIDs)))
		for _, amID := range amIDs {
			entries := te.amBuckets[amID]
			cmd := byte(entryAM)
			if len(entries) > 0 {
				cmd = byte(entries[0].kind)
			}
			out = msgp.AppendInt32(out, amID)
			out = msgp.AppendUint64(out, uint64(len(entries)))
			out = msgp.AppendUint8(out, cmd)
			for _, e := range entries {
				out, _ = e.reqID.MarshalMsg(out)
				out = msgp.AppendBytes(out, e.payload)
			}
		}
		out = msgp.AppendUint64(out, uint64(len(te.retEntries)))
		for _, e := range te.retEntries {
			out = msgp.AppendUint8(out, byte(e.kind))
			out, _ = e.reqID.MarshalMsg(out)
			if e.kind == entryData {
				out = msgp.AppendBytes(out, e.payload)
			}
		}
	}
	return out
}

// decodedAM is one parsed am-id bucket entry: its cmd (Am vs ReturnAm),
// assigned id, req id, and still-encoded payload.
type decodedAM struct {
	cmd     entryKind
	amID    int32
	reqID   ReqID
	payload []byte
}

type decodedReturn struct {
	kind  entryKind
	reqID ReqID
	data  []byte
}

type decodedTeamSection struct {
	teamHash uint64
	ams      []decodedAM
	returns  []decodedReturn
}

// decodeBatch parses a BatchedMsg payload back into per-team sections,
// the dual of encodeBatch.
func decodeBatch(payload []byte) ([]decodedTeamSection, error) {
	var out []decodedTeamSection
	b := payload
	for len(b) > 0 {
		var sec decodedTeamSection
		var err error
		sec.teamHash, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		var bucketCnt uint64
		bucketCnt, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < bucketCnt; i++ {
			var amID int32
			amID, b, err = msgp.ReadInt32Bytes(b)
			if err != nil {
				return nil, err
			}
			var cnt uint64
			cnt, b, err = msgp.ReadUint64Bytes(b)
			if err != nil {
				return nil, err
			}
			var cmdByte uint8
			cmdByte, b, err = msgp.ReadUint8Bytes(b)
			if err != nil {
				return nil, err
			}
			for j := uint64(0); j < cnt; j++ {
				var rid ReqID
				b, err = rid.UnmarshalMsg(b)
				if err != nil {
					return nil, err
				}
				var payload []byte
				payload, b, err = msgp.ReadBytesBytes(b, nil)
				if err != nil {
					return nil, err
				}
				sec.ams = append(sec.ams, decodedAM{cmd: entryKind(cmdByte), amID: amID, reqID: rid, payload: payload})
			}
		}
		var retCnt uint64
		retCnt, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < retCnt; i++ {
			var kindByte uint8
			kindByte, b, err = msgp.ReadUint8Bytes(b)
			if err != nil {
				return nil, err
			}
			var rid ReqID
			b, err = rid.UnmarshalMsg(b)
			if err != nil {
				return nil, err
			}
			var data []byte
			if entryKind(kindByte) == entryData {
				data, b, err = msgp.ReadBytesBytes(b, nil)
				if err != nil {
					return nil, err
				}
			}
			sec.returns = append(sec.returns, decodedReturn{kind: entryKind(kindByte), reqID: rid, data: data})
		}
		out = append(out, sec)
	}
	return out, nil
}

func (r ReqID) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendString(b, r.ID)
	b = msgp.AppendInt32(b, r.SubID)
	return b, nil
}

func (r *ReqID) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	r.ID, b, err = msgp.ReadStringBytes(b)
	if err != nil {
		return b, err
	}
	r.SubID, b, err = msgp.ReadInt32Bytes(b)
	return b, err
}
