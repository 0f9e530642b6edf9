//go:build !mono

// Package mono provides low-level monotonic time.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime returns a free-running timestamp in nanoseconds, used only
// for relative duration measurements (round tags, watchdog deadlines),
// never for wall-clock display. The "mono" build tag switches to a
// go:linkname'd runtime.nanotime for a syscall-free read; without it
// this portable fallback is used instead.
func NanoTime() int64 { return time.Now().UnixNano() }
