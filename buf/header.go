// Package buf implements the serialized-buffer pool (spec §4.2): a
// reference-counted, pool-allocated byte buffer carrying an optional
// small typed header plus a payload, the unit the AM engine batches and
// ships.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package buf

import (
	"github.com/tinylib/msgp/msgp"
)

// Cmd identifies what kind of payload follows a Header on the wire
// (spec §6).
type Cmd uint8

const (
	CmdBatchedMsg Cmd = iota
	CmdAm
	CmdReturnAm
	CmdData
	CmdUnit
)

// Header is the optional fixed-size prefix of every on-the-wire buffer
// (spec §6): `{msg: {src, cmd}, team_hash, am_id}`. AMID < 0 means "this
// is a return-AM" per spec §3.
type Header struct {
	Src      uint16
	Cmd      Cmd
	TeamHash uint64
	AMID     int32
}

// MarshalMsg appends the msgpack-encoded header to b, hand-written in
// the shape `go generate`-produced msgp code takes (fixed-length array
// of fields) since Header has no variable-length members worth a map
// encoding.
func (h *Header) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendUint16(b, h.Src)
	b = msgp.AppendUint8(b, uint8(h.Cmd))
	b = msgp.AppendUint64(b, h.TeamHash)
	b = msgp.AppendInt32(b, h.AMID)
	return b, nil
}

func (h *Header) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, err
	}
	if sz != 4 {
		return b, msgp.ArrayError{Wanted: 4, Got: sz}
	}
	if h.Src, b, err = msgp.ReadUint16Bytes(b); err != nil {
		return b, err
	}
	var c uint8
	if c, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return b, err
	}
	h.Cmd = Cmd(c)
	if h.TeamHash, b, err = msgp.ReadUint64Bytes(b); err != nil {
		return b, err
	}
	if h.AMID, b, err = msgp.ReadInt32Bytes(b); err != nil {
		return b, err
	}
	return b, nil
}

// Msgsize gives an upper bound on the encoded size, used by the flusher
// to size outgoing buffers exactly (spec §4.6).
func (h *Header) Msgsize() int {
	return msgp.ArrayHeaderSize + msgp.Uint16Size + msgp.Uint8Size + msgp.Uint64Size + msgp.Int32Size
}

// IsReturnAM reports whether this header's am_id encodes a return-AM
// (negative id, spec §3).
func (h *Header) IsReturnAM() bool { return h.AMID < 0 }
