// Package world provides World, the root object a process constructs
// once (spec §3 [EXPANSION]): it owns the transport backend, the
// serialized-buffer pool, the executor, the AM registry/engine, the
// housekeeping registry, and the world team (every PE in the process),
// wiring the C1-C9 components together the way the teacher's daemon
// bootstrap wires its own subsystems at process start.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package world

import (
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/am/amstats"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/array"
	"github.com/amrt-go/amrt/barrier"
	"github.com/amrt-go/amrt/buf"
	"github.com/amrt-go/amrt/cmn/debug"
	"github.com/amrt-go/amrt/cmn/nlog"
	"github.com/amrt-go/amrt/darc"
	"github.com/amrt-go/amrt/hk"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
)

const hkTick = 500 * time.Millisecond

// World is one process's handle onto the whole runtime: every other
// package's constructors take pieces of it (Engine, Executor, Backend,
// Team, a Barrier) rather than reaching into it directly, so World
// itself stays a thin assembly point instead of a god object the rest
// of the module depends on.
type World struct {
	cfg     pe.Config
	backend transport.Backend
	pool    *buf.Pool
	exec    *sched.Executor
	reg     *amreg.Registry
	eng     *am.Engine
	hkReg   *hk.Registry
	stats   *amstats.Stats
	team    *pe.Team
	bar     *barrier.Barrier
}

// Kinds merges every package's AM registrations into one map, the set
// New passes to amreg.New. extraKinds lets a caller register its own
// application-level AM kinds alongside the runtime's.
func Kinds(extraKinds map[string]func() amreg.Executable) map[string]func() amreg.Executable {
	out := darc.Kinds()
	for name, ctor := range array.Kinds() {
		out[name] = ctor
	}
	for name, ctor := range extraKinds {
		out[name] = ctor
	}
	return out
}

// New constructs a World for one PE: backend must already know its own
// MyPE/NumPEs, and worldPEs must list every PE in the same order on
// every process (spec §3's Team invariant). Every process in the run
// must call New with the same extraKinds (by name) or the registry's id
// assignment diverges and every remote AM dispatch fails with a
// ProtocolMismatch.
func New(backend transport.Backend, worldPEs []pe.ID, cfg pe.Config, extraKinds map[string]func() amreg.Executable) (*World, error) {
	if debug.ON() {
		nlog.Infof("world: starting with config %s", cfg.DebugString())
	}
	pool := buf.NewPool("world", cfg.MemSize)
	exec := sched.New(cfg.Threads)
	reg := amreg.New(Kinds(extraKinds))
	eng := am.New(backend, pool, reg, exec)
	stats := amstats.New()
	eng.SetStats(stats)

	team := pe.NewTeam(worldPEs, backend.MyPE())
	team.SetName("world")
	eng.RegisterTeam(team)

	hkReg := hk.New(hkTick)

	bar, err := barrier.New(backend, team, cfg.BarrierDisseminationN, cfg.DeadlockTimeout, hkReg)
	if err != nil {
		return nil, err
	}

	return &World{
		cfg:     cfg,
		backend: backend,
		pool:    pool,
		exec:    exec,
		reg:     reg,
		eng:     eng,
		hkReg:   hkReg,
		stats:   stats,
		team:    team,
		bar:     bar,
	}, nil
}

func (w *World) Config() pe.Config          { return w.cfg }
func (w *World) Backend() transport.Backend { return w.backend }
func (w *World) Pool() *buf.Pool            { return w.pool }
func (w *World) Executor() *sched.Executor  { return w.exec }
func (w *World) Registry() *amreg.Registry  { return w.reg }
func (w *World) Engine() *am.Engine         { return w.eng }
func (w *World) Housekeeping() *hk.Registry { return w.hkReg }
func (w *World) Stats() *amstats.Stats      { return w.stats }
func (w *World) Team() *pe.Team             { return w.team }
func (w *World) Barrier() darc.Barrier      { return w.bar }

// Wait blocks every caller on the world team until all of them have
// called Wait (spec §4.8), e.g. as a process bring-up rendezvous.
func (w *World) Wait() { w.bar.Wait() }

// Shutdown stops the housekeeping ticker and the executor's worker
// pool, waiting for in-flight tasks to drain.
func (w *World) Shutdown() {
	w.hkReg.Stop()
	w.exec.Shutdown(true)
	w.backend.Close()
}
