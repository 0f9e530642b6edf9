// Package cos provides common low-level types and utilities shared by
// every package in this module.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"

	"github.com/amrt-go/amrt/cmn/nlog"
)

// Taxonomy of §7: typed errors the runtime can return (as opposed to
// panicking) at a well-defined boundary.
type (
	// ErrIdError reports that a PE is not a member of the team an
	// operation was issued on. Returned, never panicked.
	ErrIdError struct {
		PE   int
		Team string
	}

	// ErrProtocolMismatch reports a received AM id with no registered
	// deserializer: peers were linked with different AM sets. Fatal.
	ErrProtocolMismatch struct {
		AMID int32
	}

	// ErrTypeNotRegistered reports a reduction/op requested against an
	// element type with no registered constructor. The array package's
	// op and reduce paths return it as an ordinary error; nothing panics
	// with it.
	ErrTypeNotRegistered struct {
		TypeName string
		Op       string
	}

	Errs struct {
		errs []error
		cnt  int64
		mu   sync.Mutex
	}
)

func (e *ErrIdError) Error() string {
	return fmt.Sprintf("pe %d is not a member of team %q", e.PE, e.Team)
}

func (e *ErrProtocolMismatch) Error() string {
	return fmt.Sprintf("received am id %d has no registered deserializer (peer linkage mismatch)", e.AMID)
}

func (e *ErrTypeNotRegistered) Error() string {
	return fmt.Sprintf("no %s registered for element type %q", e.Op, e.TypeName)
}

func IsErrIdError(err error) bool {
	_, ok := err.(*ErrIdError)
	return ok
}

//
// Errs - bounded multi-error collector
//

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() (s string) {
	cnt := e.Cnt()
	if cnt == 0 {
		return
	}
	e.mu.Lock()
	var err error
	if len(e.errs) > 0 {
		err = e.errs[0]
	}
	e.mu.Unlock()
	if err == nil {
		return
	}
	if cnt > 1 {
		err = fmt.Errorf("%v (and %d more errors)", err, cnt-1)
	}
	return err.Error()
}

//
// abnormal termination - used by WorkerPanic / ProtocolMismatch paths
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	nlog.Errorln(msg)
	nlog.Flush(true)
	os.Stderr.WriteString(msg + "\n")
	os.Exit(1)
}
