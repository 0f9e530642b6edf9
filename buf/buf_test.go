package buf

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{Src: 7, Cmd: CmdBatchedMsg, TeamHash: 0xdeadbeef, AMID: -3}
	enc, err := h.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Header
	rest, err := got.UnmarshalMsg(enc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}
	if got != *h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, *h)
	}
	if !got.IsReturnAM() {
		t.Fatalf("expected negative am id to report IsReturnAM")
	}
}

func TestSubDataIdempotence(t *testing.T) {
	pool := NewPool("test", 1<<20)
	b, err := pool.Alloc(16)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	copy(b.DataAsBytes(), []byte("0123456789abcdef"))

	a, e := 3, 9
	sub1 := b.SubData(a, e)
	sub2 := sub1.SubData(0, e-a)
	if !bytes.Equal(sub1.DataAsBytes(), sub2.DataAsBytes()) {
		t.Fatalf("sub_data(a,b).sub_data(0,b-a) != sub_data(a,b): %q vs %q",
			sub1.DataAsBytes(), sub2.DataAsBytes())
	}
	sub1.Drop()
	sub2.Drop()
	b.Drop()
}

func TestPoolExpandOnOOM(t *testing.T) {
	pool := NewPool("test", 8)
	_, err := pool.Alloc(64)
	if err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	b := pool.AllocRetry(64)
	if b.Len() != 64 {
		t.Fatalf("expected 64-byte buffer, got %d", b.Len())
	}
	if pool.Cap() < 64 {
		t.Fatalf("pool did not expand: cap=%d", pool.Cap())
	}
	b.Drop()
}
