// Command amrtd runs a single-binary amrt cluster: every PE is a
// goroutine group sharing one in-process transport, for local testing
// and demonstration of the runtime without a real fabric. Process exit
// code is non-zero whenever run returns an error: a panic on run's own
// goroutine (recovered there), or any PE's executor having latched a
// task panic (spec §7's WorkerPanic). A ProtocolMismatch exits non-zero
// directly from the receive path.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/amrt-go/amrt/array"
	"github.com/amrt-go/amrt/cmn/nlog"
	"github.com/amrt-go/amrt/pe"
	"github.com/amrt-go/amrt/transport/local"
	"github.com/amrt-go/amrt/world"
)

var numPEs = flag.Int("npes", 4, "number of process elements to run in this binary")

func main() {
	flag.Parse()
	if err := run(*numPEs); err != nil {
		nlog.Errorln(err)
		nlog.Flush(true)
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

func run(n int) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("amrtd: fatal: %v", r)
		}
	}()

	cfg := *pe.LoadConfig()
	lw := local.NewWorld(n)
	worldPEs := make([]pe.ID, n)
	for i := range worldPEs {
		worldPEs[i] = i
	}

	worlds := make([]*world.World, n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := world.New(lw.Backend(i), worldPEs, cfg, nil)
			worlds[i] = w
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("pe %d: world.New: %w", i, err)
		}
	}
	defer func() {
		for _, w := range worlds {
			w.Shutdown()
		}
	}()

	// Smoke-test: every PE builds a shared, block-distributed array,
	// PE 0 fills it, every PE reduces it to a sum, and we require all
	// PEs to agree.
	const length = 64
	arrs := make([]*array.UnsafeArray[int64], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := array.NewUnsafeArray[int64](worlds[i].Engine(), worlds[i].Executor(), worlds[i].Backend(), worlds[i].Team(), worlds[i].Barrier(), length, array.Block, cfg.DeadlockTimeout, worlds[i].Housekeeping())
			arrs[i] = a
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("pe %d: NewUnsafeArray: %w", i, err)
		}
	}

	vals := make([]int64, length)
	for i := range vals {
		vals[i] = int64(i)
	}
	if err := <-arrs[0].Put(context.Background(), 0, vals); err != nil {
		return fmt.Errorf("pe 0: Put: %w", err)
	}

	// Every PE rendezvouses on the world barrier (collective: all n must
	// call Wait concurrently) before reducing, so no PE reduces ahead of
	// PE 0's Put landing.
	sums := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worlds[i].Wait()
			ro := arrs[i].IntoReadOnly()
			sum, err := ro.Reduce(context.Background(), "sum")
			sums[i] = sum
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("pe %d: Reduce: %w", i, err)
		}
		if sums[i] != sums[0] {
			return fmt.Errorf("pe %d: sum %d disagrees with pe 0's %d", i, sums[i], sums[0])
		}
	}

	for i, w := range worlds {
		if w.Executor().Panicked() {
			return fmt.Errorf("pe %d: task panic: %v", i, w.Executor().LastPanic())
		}
	}

	nlog.Infof("amrtd: %d PEs agree, array sum = %d", n, sums[0])
	time.Sleep(10 * time.Millisecond) // let nlog's writer flush
	return nil
}
