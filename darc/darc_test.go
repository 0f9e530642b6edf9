package darc

import (
	"sync"
	"testing"
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/barrier"
	"github.com/amrt-go/amrt/buf"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport/local"
)

// darcTestWorld wires up one Engine/Team/Barrier per PE over transport/local,
// following the same construction shape as am/engine_test.go's newTestWorld
// and barrier/barrier_test.go's newTestTeam.
type darcTestWorld struct {
	lw      *local.World
	engines []*am.Engine
	teams   []*pe.Team
	bars    []*barrier.Barrier
}

func newDarcTestWorld(t *testing.T, numPEs int) *darcTestWorld {
	t.Helper()
	lw := local.NewWorld(numPEs)
	reg := amreg.New(Kinds())

	worldPEs := make([]int, numPEs)
	for i := range worldPEs {
		worldPEs[i] = i
	}

	tw := &darcTestWorld{
		lw:      lw,
		engines: make([]*am.Engine, numPEs),
		teams:   make([]*pe.Team, numPEs),
		bars:    make([]*barrier.Barrier, numPEs),
	}
	for i := 0; i < numPEs; i++ {
		backend := lw.Backend(i)
		pool := buf.NewPool("test", 16<<20)
		exec := sched.New(2)
		eng := am.New(backend, pool, reg, exec)
		team := pe.NewTeam(worldPEs, i)
		team.SetName("world")
		eng.RegisterTeam(team)

		b, err := barrier.New(backend, team, barrier.DefaultDissemination, 2*time.Second, nil)
		if err != nil {
			t.Fatalf("pe %d: barrier.New: %v", i, err)
		}

		tw.engines[i] = eng
		tw.teams[i] = team
		tw.bars[i] = b
	}
	return tw
}

// buildDh collectively constructs a Dh[int] around the same value on
// every PE: New blocks on two barrier.Wait calls internally, so every
// PE must call it from its own goroutine concurrently.
func buildDh(t *testing.T, tw *darcTestWorld, item int) []*Dh[int] {
	t.Helper()
	n := len(tw.teams)
	out := make([]*Dh[int], n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := New[int](tw.engines[i], tw.lw.Backend(i), tw.teams[i], tw.bars[i], item, Darc, 2*time.Second)
			out[i] = d
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("pe %d: New: %v", i, err)
		}
	}
	return out
}

// TestDhLifecycle is spec §8 scenario 5: four PEs collectively construct
// a Dh around value 42, PE1 clones it twice and ships one clone to PE2
// as a NetDh (standing in for shipping it as an AM argument, which is
// exactly what ToNet/FromNet exist for), then every live clone is
// dropped. Once the team quiesces, every PE's local mode word for every
// other PE must read Dropped.
func TestDhLifecycle(t *testing.T) {
	const numPEs = 4
	tw := newDarcTestWorld(t, numPEs)
	handles := buildDh(t, tw, 42)

	pe1 := handles[1]
	clone1 := pe1.Clone()
	clone2 := pe1.Clone()

	net := clone1.ToNet()
	received := FromNet[int](tw.engines[2], tw.lw.Backend(2), tw.teams[2], 2*time.Second, net)

	clone1.Release(nil)
	clone2.Release(nil)

	// PE2 drops the clone it received over the wire. FromNet and this
	// Release both only fire-and-forget their accounting back to PE1
	// over an AM, so give those a moment to land before pe1's own
	// Release call, which is the one that must observe local_cnt reach
	// zero and drive the transition to Dropped.
	received.Release(nil)
	time.Sleep(50 * time.Millisecond)
	pe1.Release(nil)

	// Every other PE only ever held its own constructor reference;
	// releasing it drives that PE's own slot to Dropped too.
	for i, d := range handles {
		if i == 1 {
			continue
		}
		d.Release(nil)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		quiescent := true
		for _, d := range handles {
			for pe := 0; pe < numPEs; pe++ {
				if d.ModeOf(pe) != Dropped {
					quiescent = false
				}
			}
		}
		if quiescent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dh lifecycle did not quiesce to Dropped on every pe")
		}
		time.Sleep(time.Millisecond)
	}

	for i, d := range handles {
		for pe := 0; pe < numPEs; pe++ {
			if got := d.ModeOf(pe); got != Dropped {
				t.Errorf("pe %d: ModeOf(%d) = %s, want Dropped", i, pe, got)
			}
		}
	}
}
