package barrier

import (
	"sync"
	"testing"
	"time"

	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/transport/local"
)

func newTestTeam(numPEs int) (*local.World, []*pe.Team) {
	lw := local.NewWorld(numPEs)
	worldPEs := make([]int, numPEs)
	for i := range worldPEs {
		worldPEs[i] = i
	}
	teams := make([]*pe.Team, numPEs)
	for i := 0; i < numPEs; i++ {
		teams[i] = pe.NewTeam(worldPEs, i)
		teams[i].SetName("world")
	}
	return lw, teams
}

// TestBarrierLoop is spec §8 scenario 6: four PEs call barrier() in a
// loop repeatedly; every PE must complete every iteration within the
// deadlock timeout (here shrunk for test speed).
func TestBarrierLoop(t *testing.T) {
	const numPEs = 4
	const iterations = 500
	lw, teams := newTestTeam(numPEs)

	bars := make([]*Barrier, numPEs)
	for i := 0; i < numPEs; i++ {
		b, err := New(lw.Backend(i), teams[i], DefaultDissemination, 2*time.Second, nil)
		if err != nil {
			t.Fatalf("pe %d: New: %v", i, err)
		}
		bars[i] = b
	}

	var wg sync.WaitGroup
	errs := make(chan string, numPEs)
	for i := 0; i < numPEs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for iter := 0; iter < iterations; iter++ {
				bars[i].Wait()
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("barrier loop did not complete: suspected deadlock")
	}
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

// TestBarrierOrdering verifies that a value written before Wait on
// every PE is visible to every other PE after Wait returns (spec §8's
// "after barrier() returns... side effects are visible to all members").
func TestBarrierOrdering(t *testing.T) {
	const numPEs = 4
	lw, teams := newTestTeam(numPEs)

	bars := make([]*Barrier, numPEs)
	for i := 0; i < numPEs; i++ {
		b, err := New(lw.Backend(i), teams[i], DefaultDissemination, 2*time.Second, nil)
		if err != nil {
			t.Fatalf("pe %d: New: %v", i, err)
		}
		bars[i] = b
	}

	shared := make([]int, numPEs)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < numPEs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			shared[i] = i + 1
			mu.Unlock()
			bars[i].Wait()
			mu.Lock()
			for j := 0; j < numPEs; j++ {
				if shared[j] != j+1 {
					t.Errorf("pe %d: after barrier, shared[%d] = %d, want %d", i, j, shared[j], j+1)
				}
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
}

func TestSinglePEBarrierIsNoOp(t *testing.T) {
	lw, teams := newTestTeam(1)
	b, err := New(lw.Backend(0), teams[0], DefaultDissemination, time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() { b.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("single-pe barrier blocked")
	}
}
