package buf

import (
	aatomic "github.com/amrt-go/amrt/cmn/atomic"
	"github.com/amrt-go/amrt/cmn/debug"
)

// Buffer is a reference-counted region: an atomic refcount, an optional
// decoded Header, and a payload byte slice. The transport owns a
// reference until send completes; the receiver owns one until
// deserialization finishes (spec §3).
type Buffer struct {
	refs    aatomic.Int32
	pool    *Pool
	raw     []byte // owns the backing array; header + payload live inside it
	hdrLen  int    // bytes of raw consumed by the encoded header, 0 if none
	payload []byte // raw[hdrLen:], narrowed further by sub_data
}

// newBuffer wraps raw (sized exactly size bytes) with a single reference.
func newBuffer(pool *Pool, raw []byte) *Buffer {
	b := &Buffer{pool: pool, raw: raw, payload: raw}
	b.refs.Store(1)
	return b
}

// WriteHeader serializes hdr into the front of the buffer's backing
// array and narrows payload to what follows. Invariant (spec §3):
// payload bytes are immutable once the header is written, so this may
// only be called once, before the buffer is shared.
func (b *Buffer) WriteHeader(hdr *Header) error {
	debug.Assert(b.hdrLen == 0, "header already written")
	enc, err := hdr.MarshalMsg(nil)
	if err != nil {
		return err
	}
	debug.Assert(len(enc) <= len(b.raw), "header does not fit in allocated buffer")
	copy(b.raw, enc)
	b.hdrLen = len(enc)
	b.payload = b.raw[b.hdrLen:]
	return nil
}

// DeserializeHeader decodes the header prefix at the front of the
// backing array and narrows payload to the bytes that follow it; used on
// the receive side, where hdrLen is unknown up front.
func (b *Buffer) DeserializeHeader() (*Header, error) {
	hdr := &Header{}
	rest, err := hdr.UnmarshalMsg(b.raw)
	if err != nil {
		return nil, err
	}
	b.hdrLen = len(b.raw) - len(rest)
	b.payload = rest
	return hdr, nil
}

// DataAsBytes returns the payload slice (post-header, post any sub_data
// narrowing).
func (b *Buffer) DataAsBytes() []byte { return b.payload }

// SerializeInto writes obj's encoded bytes directly into the buffer's
// payload window, for callers that pre-sized the buffer to fit exactly.
func (b *Buffer) SerializeInto(obj interface{ MarshalMsg([]byte) ([]byte, error) }) error {
	enc, err := obj.MarshalMsg(nil)
	if err != nil {
		return err
	}
	debug.Assert(len(enc) <= len(b.payload), "object does not fit buffer payload window")
	copy(b.payload, enc)
	b.payload = b.payload[:len(enc)]
	return nil
}

// Len reports the current payload window length.
func (b *Buffer) Len() int { return len(b.payload) }

// Bytes returns the full wire-ready region: any header previously
// written via WriteHeader followed by the current payload window. Used
// by the transport send path, which ships header and payload as one
// contiguous frame.
func (b *Buffer) Bytes() []byte { return b.raw[:b.hdrLen+len(b.payload)] }

// SubData returns a view into the same backing array narrowed to
// [start,end) of the current payload, with the refcount bumped — the
// round-trip property of spec §8: sub_data(a,b).sub_data(0,b-a) ==
// sub_data(a,b).
func (b *Buffer) SubData(start, end int) *Buffer {
	debug.Assert(start >= 0 && end <= len(b.payload) && start <= end, "sub_data out of range")
	b.refs.Inc()
	return &Buffer{pool: b.pool, raw: b.raw, hdrLen: b.hdrLen, payload: b.payload[start:end]}
}

// Ref increments the refcount and returns b, for callers that hand the
// same *Buffer to multiple consumers (e.g. one per batch entry).
func (b *Buffer) Ref() *Buffer {
	b.refs.Inc()
	return b
}

// Drop decrements the refcount, returning the backing memory to the
// pool at zero.
func (b *Buffer) Drop() {
	if b.refs.Dec() == 0 && b.pool != nil {
		b.pool.free(b.raw)
	}
}
