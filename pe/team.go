// Package pe holds the process-element and team primitives shared by
// every other package in this module: a PE is an integer in [0, num_pes),
// and a team is an ordered subset of PEs with a stable local<->world
// mapping and a team hash carried on every AM (spec §3).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pe

import (
	"sort"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/cos"
	"github.com/amrt-go/amrt/cmn/debug"
)

// ID is a world PE identifier, an integer in [0, num_pes).
type ID = int

// Team is an ordered subset of world PEs. world.New builds the team
// containing every PE in the job. Sub-teams are built with NewTeam and
// carry their own local numbering independent of world numbering, the
// same way a Bck carries its own namespace independent of the cluster's
// (core/meta/bck.go in the teacher).
type Team struct {
	worldPEs    []ID // team-local index -> world PE, sorted ascending
	localOf     map[ID]int
	myWorld     ID
	hash        uint64
	name        string
	outstanding aatomic.Int64 // spec §4.4 "team-outstanding" request counter
	allocSeq    aatomic.Uint64
}

// NewTeam constructs a team from an explicit list of world PE ids,
// sorted ascending so team-local numbering follows world numbering
// whatever order the list came in. The caller (typically world.New) is responsible for
// ensuring every member calls this with the identical list — team
// construction is conceptually collective even though the local struct
// build itself touches no shared memory.
func NewTeam(worldPEs []ID, myWorld ID) *Team {
	cp := append([]ID(nil), worldPEs...)
	sort.Ints(cp)
	localOf := make(map[ID]int, len(cp))
	for i, w := range cp {
		localOf[w] = i
	}
	return &Team{
		worldPEs: cp,
		localOf:  localOf,
		myWorld:  myWorld,
		hash:     cos.TeamHash(cp),
	}
}

func (t *Team) NumPEs() int    { return len(t.worldPEs) }
func (t *Team) Hash() uint64   { return t.hash }
func (t *Team) WorldPEs() []ID { return t.worldPEs }
func (t *Team) Name() string   { return t.name }

// SetName attaches a human-readable name, used only for logging
// (world/sub-team distinction); it does not affect Hash().
func (t *Team) SetName(name string) { t.name = name }

// Outstanding is the per-team outstanding-request counter of spec
// §4.4's request record `{..., team-outstanding, ...}`: every AM
// submitted on this team increments it before dispatch and every
// reply's UpdateCounters decrements it, so a caller can e.g. wait for
// quiescence before entering a collective.
func (t *Team) Outstanding() *aatomic.Int64 { return &t.outstanding }

// NextAllocID returns the next id in this team's collective-allocation
// sequence. Every Dh/barrier-buffer constructor that needs a symmetric
// address calls this exactly once per collective call, in the same
// program order on every member, so transport.Backend.AllocAt resolves
// to the identical Addr everywhere without any wire round trip — the
// same discipline the barrier's round-tag counter already relies on.
func (t *Team) NextAllocID() uint64 {
	seq := t.allocSeq.Inc()
	// Mix with the team hash so distinct teams' sequences never collide
	// on a shared backend (e.g. two sub-teams each allocating their
	// first Dh).
	h := t.hash ^ (seq * 0x9E3779B97F4A7C15)
	return h
}

// MyPE returns this process's team-local PE id.
func (t *Team) MyPE() int {
	local, ok := t.localOf[t.myWorld]
	debug.Assert(ok, "local pe not a member of its own team")
	return local
}

// WorldPE translates a team-local PE id to its world PE id.
func (t *Team) WorldPE(teamPE int) (ID, bool) {
	if teamPE < 0 || teamPE >= len(t.worldPEs) {
		return 0, false
	}
	return t.worldPEs[teamPE], true
}

// TeamPE translates a world PE id to its team-local id, reporting
// membership. Returned as (id, error) at API boundaries per spec §7's
// IdError taxonomy (cos.ErrIdError), not (id, bool), wherever the caller
// is user-facing; TeamPE itself stays a cheap bool-returning lookup for
// internal hot paths (wire decode, reply-index translation).
func (t *Team) TeamPE(worldPE ID) (int, bool) {
	local, ok := t.localOf[worldPE]
	return local, ok
}

// Contains reports whether worldPE is a member of this team.
func (t *Team) Contains(worldPE ID) bool {
	_, ok := t.localOf[worldPE]
	return ok
}

// RequireMember returns cos.ErrIdError when worldPE is not a team
// member, the typed, non-panicking error of spec §7. am.ExecAMPE does
// not call it; it builds the same error itself for an out-of-range
// team-relative PE.
func (t *Team) RequireMember(worldPE ID, teamName string) error {
	if t.Contains(worldPE) {
		return nil
	}
	return &cos.ErrIdError{PE: worldPE, Team: teamName}
}
