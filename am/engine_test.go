package am

import (
	"testing"
	"time"

	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/buf"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/request"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport/local"
	"github.com/tinylib/msgp/msgp"
)

// addOneAM is a minimal registered AM: decodes a single int32 argument
// and returns arg+1 as its Data-category result.
type addOneAM struct{ Arg int32 }

func (a *addOneAM) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendInt32(b, a.Arg), nil
}

func (a *addOneAM) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	a.Arg, b, err = msgp.ReadInt32Bytes(b)
	return b, err
}

func (a *addOneAM) Exec(*amreg.ExecCtx) (any, error) { return intResult(a.Arg + 1), nil }
func (a *addOneAM) Kind() string                     { return "addOneAM" }

type intResult int32

func (i intResult) MarshalMsg(b []byte) ([]byte, error) { return msgp.AppendInt32(b, int32(i)), nil }

func decodeInt(b []byte) (int32, error) {
	v, _, err := msgp.ReadInt32Bytes(b)
	return v, err
}

func newTestWorld(t *testing.T, numPEs int) ([]*Engine, []*pe.Team) {
	t.Helper()
	lw := local.NewWorld(numPEs)
	kinds := map[string]func() amreg.Executable{
		"addOneAM": func() amreg.Executable { return &addOneAM{} },
	}
	reg := amreg.New(kinds)

	worldPEs := make([]int, numPEs)
	for i := range worldPEs {
		worldPEs[i] = i
	}

	engines := make([]*Engine, numPEs)
	teams := make([]*pe.Team, numPEs)
	for i := 0; i < numPEs; i++ {
		backend := lw.Backend(i)
		pool := buf.NewPool("test", 16<<20)
		exec := sched.New(2)
		engines[i] = New(backend, pool, reg, exec)
		teams[i] = pe.NewTeam(worldPEs, i)
		teams[i].SetName("world")
		engines[i].RegisterTeam(teams[i])
	}
	return engines, teams
}

func TestExecAMPERoundTrip(t *testing.T) {
	engines, teams := newTestWorld(t, 2)

	h, err := ExecAMPE[int32](engines[0], teams[0], 1, "addOneAM", &addOneAM{Arg: 41}, decodeInt)
	if err != nil {
		t.Fatalf("ExecAMPE: %v", err)
	}
	got := waitHandle(t, func() (int32, bool) {
		if !h.Ready() {
			return 0, false
		}
		return h.Get(), true
	})
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestExecAMAllRoundTrip(t *testing.T) {
	engines, teams := newTestWorld(t, 3)

	h, err := ExecAMAll[int32](engines[0], teams[0], "addOneAM", &addOneAM{Arg: 9}, decodeInt)
	if err != nil {
		t.Fatalf("ExecAMAll: %v", err)
	}
	res := waitHandle(t, func() ([]int32, bool) {
		if !h.Ready() {
			return nil, false
		}
		return h.Get(), true
	})
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
	for _, v := range res {
		if v != 10 {
			t.Fatalf("expected all results == 10, got %v", res)
		}
	}
}

func TestExecAMLocal(t *testing.T) {
	engines, teams := newTestWorld(t, 1)
	h := ExecAMLocal[int32](engines[0], teams[0], &addOneAM{Arg: 100}, decodeInt)
	got := waitHandle(t, func() (int32, bool) {
		if !h.Ready() {
			return 0, false
		}
		return h.Get(), true
	})
	if got != 101 {
		t.Fatalf("expected 101, got %d", got)
	}
}

// waitHandle polls poll() until it reports ready or the test deadline
// elapses, matching the cooperative-polling contract every handle
// flavor exposes (spec §4.4).
func waitHandle[T any](t *testing.T, poll func() (T, bool)) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := poll(); ok {
			return v
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for handle")
	var zero T
	return zero
}

var _ request.Decoder[int32] = decodeInt
