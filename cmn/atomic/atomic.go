// Package atomic provides small wrapper types over sync/atomic, matching
// the call-site idiom (Load/Store/Inc/Dec/CAS/Swap) used throughout this
// module's counters: Dh ref-counts, batch size counters, request
// outstanding-counts, panic latches.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "sync/atomic"

type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool            { return b.v.Load() }
func (b *Bool) Store(val bool)        { b.v.Store(val) }
func (b *Bool) CAS(old, new bool) bool { return b.v.CompareAndSwap(old, new) }
func (b *Bool) Swap(val bool) bool    { return b.v.Swap(val) }

type Int32 struct{ v atomic.Int32 }

func (i *Int32) Load() int32             { return i.v.Load() }
func (i *Int32) Store(val int32)         { i.v.Store(val) }
func (i *Int32) Add(delta int32) int32   { return i.v.Add(delta) }
func (i *Int32) Inc() int32              { return i.v.Add(1) }
func (i *Int32) Dec() int32              { return i.v.Add(-1) }
func (i *Int32) CAS(old, new int32) bool { return i.v.CompareAndSwap(old, new) }
func (i *Int32) Swap(val int32) int32    { return i.v.Swap(val) }

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Load() int64             { return i.v.Load() }
func (i *Int64) Store(val int64)         { i.v.Store(val) }
func (i *Int64) Add(delta int64) int64   { return i.v.Add(delta) }
func (i *Int64) Inc() int64              { return i.v.Add(1) }
func (i *Int64) Dec() int64              { return i.v.Add(-1) }
func (i *Int64) CAS(old, new int64) bool { return i.v.CompareAndSwap(old, new) }
func (i *Int64) Swap(val int64) int64    { return i.v.Swap(val) }

type Uint64 struct{ v atomic.Uint64 }

func (u *Uint64) Load() uint64             { return u.v.Load() }
func (u *Uint64) Store(val uint64)         { u.v.Store(val) }
func (u *Uint64) Add(delta uint64) uint64  { return u.v.Add(delta) }
func (u *Uint64) Inc() uint64              { return u.v.Add(1) }
func (u *Uint64) Dec() uint64              { return u.v.Add(^uint64(0)) }
func (u *Uint64) CAS(old, new uint64) bool { return u.v.CompareAndSwap(old, new) }
func (u *Uint64) Swap(val uint64) uint64   { return u.v.Swap(val) }

type Uint32 struct{ v atomic.Uint32 }

func (u *Uint32) Load() uint32             { return u.v.Load() }
func (u *Uint32) Store(val uint32)         { u.v.Store(val) }
func (u *Uint32) Add(delta uint32) uint32  { return u.v.Add(delta) }
func (u *Uint32) Inc() uint32              { return u.v.Add(1) }
func (u *Uint32) Dec() uint32              { return u.v.Add(^uint32(0)) }
func (u *Uint32) CAS(old, new uint32) bool { return u.v.CompareAndSwap(old, new) }
func (u *Uint32) Swap(val uint32) uint32   { return u.v.Swap(val) }

// Uintptr is used for the mode byte (DarcMode) and other small enums
// that need atomic CAS over an underlying uint8-width value widened to
// a native word for alignment on the symmetric heap.
type Uintptr struct{ v atomic.Uintptr }

func (u *Uintptr) Load() uintptr             { return u.v.Load() }
func (u *Uintptr) Store(val uintptr)         { u.v.Store(val) }
func (u *Uintptr) CAS(old, new uintptr) bool { return u.v.CompareAndSwap(old, new) }
func (u *Uintptr) Swap(val uintptr) uintptr  { return u.v.Swap(val) }
