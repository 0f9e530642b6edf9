// Package am implements the AM engine (C6): per-PE submission,
// per-destination batching, a background flusher per destination, the
// receive-side dispatch/execution path, and return-path correlation —
// the component every other part of the runtime (darc, barrier, array)
// issues its cross-PE work through. Grounded on the teacher's
// transport/bundle Streams/stream-bundle batch-by-destination shape and
// on original_source/src/active_messaging/batching/team_am_batcher.rs
// for the exact batch lifecycle (stall counter, atomic swap-out,
// per-(team,am-id) bucket layout).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package am

import "fmt"

// ReqID is spec §3's Request Id: (pointer-to-request-record, sub-id).
// Go offers no pointer identity worth putting on the wire, so the
// "pointer" half is a short generated id (cmn/cos.GenUUID) minted once
// per user-visible handle; SubID disambiguates multi-destination
// requests the same handle is awaiting several replies for.
type ReqID struct {
	ID    string
	SubID int32
}

func (r ReqID) String() string { return fmt.Sprintf("%s/%d", r.ID, r.SubID) }
