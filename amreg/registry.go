// Package amreg is the process-global active-message registry (C5):
// every AM kind a program registers gets a stable, non-zero integer id
// assigned once at World construction by sorting kind names
// lexicographically and numbering from a reserved offset, so every PE
// — having registered the same kinds in the same program — computes
// the identical id for the same kind without any handshake. Grounded
// on the teacher's xact/xreg sorted, keyed registry idiom, generalized
// from "xaction kind" to "AM kind."
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package amreg

import (
	"sort"

	"github.com/amrt-go/amrt/cmn/cos"
	"github.com/amrt-go/amrt/sched"
	"github.com/pkg/errors"
)

// firstUserID is the first id ever handed to a user-registered AM kind.
// Spec §3 reserves five small positive ids below this for control
// categories (unit-return, batched-unit-return, data-return,
// batched-data-return, am-return); this package satisfies that
// invariant structurally, by never assigning 1-5 to a user kind, rather
// than by dispatching on those literal values anywhere — the actual
// Unit/Data/AM/ReturnAm wire discrimination is carried by am/batch.go's
// entryKind and buf/header.go's Cmd enums (see DESIGN.md).
const firstUserID int32 = 6

// ExecCtx is handed to an Executable's Exec call: everything an AM
// body needs to know about where it's running and how to reply.
type ExecCtx struct {
	MyPE     int
	NumPEs   int
	TeamHash uint64
	SrcPE    int
	// Respond, when non-nil, sends this AM's return value back to the
	// originator; a unit-returning AM may leave it unused.
	Respond func(result any, err error)
	// Exec is the worker pool this Exec call is itself running on. An AM
	// body that needs to wait for something (a lock, a further reply)
	// must drive that wait through Exec.BlockOn rather than blocking the
	// calling goroutine outright, or it starves the pool it's running on
	// (spec §5's cooperative-wait invariant).
	Exec *sched.Executor
}

// Executable is what a registered AM kind's decoded value must
// support: msgp-style wire codec plus the body the scheduler runs.
// Kind reports the name this value was registered under, so the engine
// can look its id back up when the value itself is shipped as a return
// value (spec §4.6's "Am" return category: an AM whose exec() result is
// a further AM to run on the originator).
type Executable interface {
	MarshalMsg(b []byte) ([]byte, error)
	UnmarshalMsg(b []byte) ([]byte, error)
	Exec(ctx *ExecCtx) (result any, err error)
	Kind() string
}

// Kind is one registered AM's identity: its assigned id, its name, and
// the constructor used to produce a fresh, zero-valued Executable
// before UnmarshalMsg fills it in.
type Kind struct {
	ID   int32
	Name string
	New  func() Executable
}

// Registry is the id<->kind table built once from a caller-supplied
// set of {name, constructor} pairs and never mutated afterward.
type Registry struct {
	byID   map[int32]*Kind
	byName map[string]*Kind
}

// New builds a Registry from kinds, a name->constructor map. Every
// program that registers the same set of names ends up with the same
// id assignment, since assignment depends only on lexicographic order.
func New(kinds map[string]func() Executable) *Registry {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	r := &Registry{
		byID:   make(map[int32]*Kind, len(names)),
		byName: make(map[string]*Kind, len(names)),
	}
	for i, name := range names {
		k := &Kind{ID: firstUserID + int32(i), Name: name, New: kinds[name]}
		r.byID[k.ID] = k
		r.byName[name] = k
	}
	return r
}

func (r *Registry) ByID(id int32) (*Kind, error) {
	k, ok := r.byID[id]
	if !ok {
		return nil, &cos.ErrProtocolMismatch{AMID: id}
	}
	return k, nil
}

func (r *Registry) ByName(name string) (*Kind, error) {
	k, ok := r.byName[name]
	if !ok {
		return nil, errors.Errorf("amreg: no am kind registered as %q", name)
	}
	return k, nil
}

// IsReturnAM reports whether id denotes a return-AM rather than a
// user-submitted one (spec §3: "ids <0 mean this is a return-AM").
func IsReturnAM(id int32) bool { return id < 0 }

// Len reports the number of registered user AM kinds.
func (r *Registry) Len() int { return len(r.byID) }
