package array

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/barrier"
	"github.com/amrt-go/amrt/buf"
	"github.com/amrt-go/amrt/darc"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/sched"
	"github.com/amrt-go/amrt/transport"
	"github.com/amrt-go/amrt/transport/local"
)

// testWorld wires up everything a PE needs to build an array: an Engine,
// an Executor, a Team, and a Barrier satisfying darc.Barrier, following
// the same construction shape as am/engine_test.go's newTestWorld and
// barrier/barrier_test.go's newTestTeam.
type testWorld struct {
	lw      *local.World
	engines []*am.Engine
	execs   []*sched.Executor
	teams   []*pe.Team
	bars    []darc.Barrier
}

func newTestWorld(t *testing.T, numPEs int) *testWorld {
	t.Helper()
	lw := local.NewWorld(numPEs)

	kinds := darc.Kinds()
	for name, ctor := range Kinds() {
		kinds[name] = ctor
	}
	reg := amreg.New(kinds)

	worldPEs := make([]int, numPEs)
	for i := range worldPEs {
		worldPEs[i] = i
	}

	tw := &testWorld{
		lw:      lw,
		engines: make([]*am.Engine, numPEs),
		execs:   make([]*sched.Executor, numPEs),
		teams:   make([]*pe.Team, numPEs),
		bars:    make([]darc.Barrier, numPEs),
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
		tw.execs[i] = exec
		tw.teams[i] = team
		tw.bars[i] = b
	}
	return tw
}

func (tw *testWorld) backend(i int) transport.Backend { return tw.lw.Backend(i) }

// buildUnsafe collectively constructs an UnsafeArray[T] on every PE,
// returning one handle per PE.
func buildUnsafe[T Dist](t *testing.T, tw *testWorld, length int, dist Distribution) []*UnsafeArray[T] {
	t.Helper()
	n := len(tw.teams)
	out := make([]*UnsafeArray[T], n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := NewUnsafeArray[T](tw.engines[i], tw.execs[i], tw.backend(i), tw.teams[i], tw.bars[i], length, dist, 2*time.Second, nil)
			out[i] = a
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("pe %d: NewUnsafeArray: %v", i, err)
		}
	}
	return out
}

func waitErr(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestUnsafeArrayPutGetBlock(t *testing.T) {
	const numPEs = 4
	const length = 16
	tw := newTestWorld(t, numPEs)
	arrs := buildUnsafe[int64](t, tw, length, Block)

	want := make([]int64, length)
	for i := range want {
		want[i] = int64(i * 10)
	}
	waitErr(t, arrs[0].Put(context.Background(), 0, want))

	got := make([]int64, length)
	waitErr(t, arrs[1].Get(context.Background(), 0, got))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUnsafeArrayPutGetCyclic(t *testing.T) {
	const numPEs = 4
	const length = 17
	tw := newTestWorld(t, numPEs)
	arrs := buildUnsafe[int32](t, tw, length, Cyclic)

	want := make([]int32, length)
	for i := range want {
		want[i] = int32(i + 1)
	}
	waitErr(t, arrs[2].Put(context.Background(), 0, want))

	got := make([]int32, length)
	waitErr(t, arrs[0].Get(context.Background(), 0, got))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}

	// a windowed sub-range spanning several owners must round-trip too.
	sub := arrs[3].SubArray(5, 6)
	gotSub := make([]int32, 6)
	waitErr(t, sub.Get(context.Background(), 0, gotSub))
	for i := range gotSub {
		if gotSub[i] != want[5+i] {
			t.Fatalf("sub index %d: got %d, want %d", i, gotSub[i], want[5+i])
		}
	}
}

// TestUnsafeArrayFetchAddPermutation exercises a permutation of
// fetch-add ops against a shared array from every PE concurrently: each
// PE fetch-adds 1 to every index a fixed number of times, so the final
// value at every index must equal numPEs*perPE, and the set of fetched
// "old" values observed across all PEs' handles for a given index must
// be exactly {0, 1, ..., numPEs*perPE-1} with no repeats or gaps.
func TestUnsafeArrayFetchAddPermutation(t *testing.T) {
	const numPEs = 4
	const perPE = 20
	const length = 8
	tw := newTestWorld(t, numPEs)
	arrs := buildUnsafe[int64](t, tw, length, Block)

	zero := make([]int64, length)
	waitErr(t, arrs[0].Put(context.Background(), 0, zero))

	fetched := make([][]int64, length)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < numPEs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for rep := 0; rep < perPE; rep++ {
				for idx := 0; idx < length; idx++ {
					v, err := arrs[i].Op(idx, OpFetchAdd, int64(1)).Get()
					if err != nil {
						t.Errorf("pe %d op: %v", i, err)
						return
					}
					mu.Lock()
					fetched[idx] = append(fetched[idx], v)
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	got := make([]int64, length)
	waitErr(t, arrs[0].Get(context.Background(), 0, got))
	for idx := 0; idx < length; idx++ {
		if got[idx] != int64(numPEs*perPE) {
			t.Fatalf("index %d: final value %d, want %d", idx, got[idx], numPEs*perPE)
		}
		seen := make(map[int64]bool, len(fetched[idx]))
		for _, v := range fetched[idx] {
			if seen[v] {
				t.Fatalf("index %d: duplicate fetched value %d", idx, v)
			}
			seen[v] = true
		}
		if len(seen) != numPEs*perPE {
			t.Fatalf("index %d: saw %d distinct fetched values, want %d", idx, len(seen), numPEs*perPE)
		}
		for v := int64(0); v < int64(numPEs*perPE); v++ {
			if !seen[v] {
				t.Fatalf("index %d: missing fetched value %d", idx, v)
			}
		}
	}
}

func TestReadOnlyArrayReduceSum(t *testing.T) {
	const numPEs = 4
	const length = 12
	tw := newTestWorld(t, numPEs)
	arrs := buildUnsafe[int64](t, tw, length, Block)

	want := make([]int64, length)
	var sum int64
	for i := range want {
		want[i] = int64(i + 1)
		sum += want[i]
	}
	waitErr(t, arrs[0].Put(context.Background(), 0, want))

	ros := make([]*ReadOnlyArray[int64], numPEs)
	var wg sync.WaitGroup
	for i := 0; i < numPEs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ros[i] = arrs[i].IntoReadOnly()
		}(i)
	}
	wg.Wait()

	got, err := ros[1].Reduce(context.Background(), "sum")
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if got != sum {
		t.Fatalf("Reduce(sum) = %d, want %d", got, sum)
	}
}

func TestArrayConsumerCollectCount(t *testing.T) {
	const numPEs = 2
	const length = 10
	tw := newTestWorld(t, numPEs)
	arrs := buildUnsafe[int32](t, tw, length, Block)

	want := make([]int32, length)
	for i := range want {
		want[i] = int32(i * 3)
	}
	waitErr(t, arrs[0].Put(context.Background(), 0, want))

	c := arrs[0].LocalConsumer()
	n := Count[int32](c)
	if n != length/numPEs {
		t.Fatalf("Count = %d, want %d", n, length/numPEs)
	}
	c.Reset()
	vals := Collect[int32](c)
	if len(vals) != length/numPEs {
		t.Fatalf("Collect len = %d, want %d", len(vals), length/numPEs)
	}
	for i, v := range vals {
		if v != want[i] {
			t.Fatalf("local index %d: got %d, want %d", i, v, want[i])
		}
	}
}

func TestGlobalLockArrayMutualExclusion(t *testing.T) {
	const numPEs = 4
	const iterations = 50
	tw := newTestWorld(t, numPEs)

	n := numPEs
	arrs := make([]*GlobalLockArray[int64], n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := NewGlobalLockArray[int64](tw.engines[i], tw.execs[i], tw.backend(i), tw.teams[i], tw.bars[i], 1, Block, 2*time.Second, nil)
			arrs[i] = a
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("pe %d: NewGlobalLockArray: %v", i, err)
		}
	}

	zero := []int64{0}
	waitErr(t, arrs[0].Put(context.Background(), 0, zero))

	var inCrit int32
	var maxSeen int32
	var mu sync.Mutex
	wg = sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for iter := 0; iter < iterations; iter++ {
				if err := arrs[i].Lock(); err != nil {
					t.Errorf("pe %d Lock: %v", i, err)
					return
				}
				mu.Lock()
				inCrit++
				if inCrit > maxSeen {
					maxSeen = inCrit
				}
				mu.Unlock()

				buf := make([]int64, 1)
				waitErr(t, arrs[i].Get(context.Background(), 0, buf))
				buf[0]++
				waitErr(t, arrs[i].Put(context.Background(), 0, buf))

				mu.Lock()
				inCrit--
				mu.Unlock()
				if err := arrs[i].Unlock(); err != nil {
					t.Errorf("pe %d Unlock: %v", i, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("observed %d concurrent holders of the global lock, want 1", maxSeen)
	}

	got := make([]int64, 1)
	waitErr(t, arrs[0].Get(context.Background(), 0, got))
	if got[0] != int64(n*iterations) {
		t.Fatalf("counter = %d, want %d", got[0], n*iterations)
	}
}

func TestLocalLockArrayWithLocalData(t *testing.T) {
	const numPEs = 2
	const length = 6
	tw := newTestWorld(t, numPEs)

	n := numPEs
	arrs := make([]*LocalLockArray[int64], n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := NewLocalLockArray[int64](tw.engines[i], tw.execs[i], tw.backend(i), tw.teams[i], tw.bars[i], length, Block, 2*time.Second, nil)
			arrs[i] = a
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("pe %d: NewLocalLockArray: %v", i, err)
		}
	}

	arrs[0].WithLocalDataMut(func(local []int64) {
		for i := range local {
			local[i] = int64(i + 100)
		}
	})

	var seen []int64
	arrs[0].WithLocalData(func(local []int64) {
		seen = append(seen, local...)
	})
	for i, v := range seen {
		if v != int64(i+100) {
			t.Fatalf("local index %d: got %d, want %d", i, v, i+100)
		}
	}
}
