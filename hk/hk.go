// Package hk provides the periodic-callback "housekeeping" loop used by
// barrier and darc to watch for and log long-running collective waits
// (spec §5: "All long-waiting loops... emit a diagnostic if they exceed
// a configurable timeout but continue to wait"). Grounded on the
// teacher's hk package idiom: a single ticker-driven goroutine running a
// registry of named callbacks, all polled on the registry's one shared
// tick, logging when a callback reports it is overdue.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"sync"
	"time"

	"github.com/amrt-go/amrt/cmn/nlog"
)

// Watchdog reports whether a wait has exceeded its deadline; Name and
// Describe feed the diagnostic log line (spec: "log a diagnostic and
// continue").
type Watchdog interface {
	Name() string
	// Overdue is polled once per tick; it returns a non-empty message
	// when the wait it tracks has exceeded its configured timeout.
	Overdue(now time.Time) (msg string, isOverdue bool)
}

// Registry runs every registered Watchdog once per tick on a shared
// background goroutine, rather than one timer per collective wait —
// the same single-goroutine-fans-out-to-many-callbacks shape as the
// teacher's housekeeping package.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]Watchdog
	tick     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// New starts a Registry ticking every `tick` (typically a fraction of
// Config.DeadlockTimeout, so a watcher gets several chances to report
// before the full timeout elapses).
func New(tick time.Duration) *Registry {
	if tick <= 0 {
		tick = time.Second
	}
	r := &Registry{watchers: make(map[string]Watchdog), tick: tick, stop: make(chan struct{})}
	go r.run()
	return r
}

func (r *Registry) run() {
	t := time.NewTicker(r.tick)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-t.C:
			r.mu.Lock()
			watchers := make([]Watchdog, 0, len(r.watchers))
			for _, w := range r.watchers {
				watchers = append(watchers, w)
			}
			r.mu.Unlock()
			for _, w := range watchers {
				if msg, overdue := w.Overdue(now); overdue {
					nlog.Warningf("hk: %s: %s", w.Name(), msg)
				}
			}
		}
	}
}

// Register adds w to the registry; returns an Unregister func the
// caller must invoke once the wait it tracks completes, so the
// registry doesn't keep logging about a finished collective.
func (r *Registry) Register(w Watchdog) (unregister func()) {
	r.mu.Lock()
	r.watchers[w.Name()] = w
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.watchers, w.Name())
		r.mu.Unlock()
	}
}

// Stop terminates the background ticker goroutine; used at World
// teardown.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// DeadlineWatchdog is a ready-made Watchdog for the common case: log
// once a fixed deadline has passed, with a fixed message, then stay
// silent (the caller Unregisters on completion regardless).
type DeadlineWatchdog struct {
	name     string
	deadline time.Time
	describe func() string
	fired    bool
}

func NewDeadlineWatchdog(name string, timeout time.Duration, describe func() string) *DeadlineWatchdog {
	return &DeadlineWatchdog{name: name, deadline: time.Now().Add(timeout), describe: describe}
}

func (d *DeadlineWatchdog) Name() string { return d.name }

func (d *DeadlineWatchdog) Overdue(now time.Time) (string, bool) {
	if d.fired || now.Before(d.deadline) {
		return "", false
	}
	d.fired = true
	return d.describe(), true
}
