package request

import (
	"testing"

	aatomic "github.com/amrt-go/amrt/cmn/atomic"
)

func newCounters() *Counters {
	c := &Counters{Team: new(aatomic.Int64), World: new(aatomic.Int64)}
	c.Team.Store(1)
	c.World.Store(1)
	return c
}

func TestHandleLocalResult(t *testing.T) {
	c := newCounters()
	h := NewHandle[int](c, func([]byte) (int, error) { return 0, nil })
	go func() {
		h.AddResult(0, 0, InternalResult{Kind: ResultLocal, Local: 42})
		h.UpdateCounters()
	}()
	if got := h.Get(); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
	if c.Team.Load() != 0 || c.World.Load() != 0 {
		t.Fatalf("counters not decremented: team=%d world=%d", c.Team.Load(), c.World.Load())
	}
}

func TestHandleRemoteResult(t *testing.T) {
	c := newCounters()
	h := NewHandle[string](c, func(b []byte) (string, error) { return string(b), nil })
	go h.AddResult(0, 0, InternalResult{Kind: ResultRemote, Remote: []byte("hello")})
	if got := h.Get(); got != "hello" {
		t.Fatalf("got %q want hello", got)
	}
}

func TestMultiHandleOrdering(t *testing.T) {
	c := newCounters()
	identity := func(pe int) int { return pe }
	h := NewMultiHandle[int](3, identity, c, func([]byte) (int, error) { return 0, nil })
	go h.AddResult(2, 0, InternalResult{Kind: ResultLocal, Local: 22})
	go h.AddResult(0, 0, InternalResult{Kind: ResultLocal, Local: 0})
	go h.AddResult(1, 0, InternalResult{Kind: ResultLocal, Local: 11})
	got := h.Get()
	want := []int{0, 11, 22}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestLocalHandleUnit(t *testing.T) {
	c := newCounters()
	h := NewLocalHandle[struct{}](c)
	go h.AddResult(0, 0, InternalResult{Kind: ResultUnit})
	h.Get()
	if h.Ready() != true {
		t.Fatalf("expected ready after Get")
	}
}

func TestUserHeldToggle(t *testing.T) {
	c := newCounters()
	h := NewHandle[int](c, func([]byte) (int, error) { return 0, nil })
	if !h.UserHeld() {
		t.Fatalf("expected initially user-held")
	}
	h.Release()
	if h.UserHeld() {
		t.Fatalf("expected not user-held after Release")
	}
}
