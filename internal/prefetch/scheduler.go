// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prefetch runs a bounded look-ahead over a stream of units.
//
// A producer goroutine pulls raw units and submits their execution to a pool,
// a consumer goroutine collects the results in pull order and hands them to
// the caller one at a time. Admission tokens bound the units that have been
// pulled but not yet released by the caller to Depth+1.
package prefetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrorPolicy decides what happens to a unit whose execution failed.
type ErrorPolicy int

const (
	Unset ErrorPolicy = iota
	// DropAndLog logs the failure and continues with the next unit.
	DropAndLog
	// Propagate delivers the failure to the caller and ends iteration.
	Propagate
)

func (p ErrorPolicy) String() string {
	switch p {
	case Unset:
		return "unset"
	case DropAndLog:
		return "drop"
	case Propagate:
		return "propagate"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// ParseErrorPolicy parses the names printed by String.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "drop":
		return DropAndLog, nil
	case "propagate":
		return Propagate, nil
	}
	return Unset, errors.Errorf("unknown unit error policy %q", s)
}

// ErrTimeout is the error of a unit that did not finish within Options.Timeout.
var ErrTimeout = errors.New("timed out waiting for unit")

// Options configure a Scheduler.
type Options struct {
	Depth   int           // Look-ahead depth, at least 1.
	Workers int           // Execution pool size. Zero means Depth+1.
	Timeout time.Duration // Per unit wait limit. Zero waits forever.
	OnError ErrorPolicy

	// IsSkip reports whether an execution error means the unit was
	// intentionally dropped. Skips are never logged or delivered.
	IsSkip func(error) bool

	Logger  *slog.Logger
	Metrics *Metrics
}

type handle[U any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	state  atomic.Int32
	val    U
	err    error
	last   bool // end of stream or pull failure; err is io.EOF or the pull error
}

// Handle states. An abandoned handle owns its admission token until its
// execution returns.
const (
	pending int32 = iota
	finished
	abandoned
)

// finish marks the execution as returned. It reports false when the consumer
// already gave up on the unit.
func (h *handle[U]) finish() bool {
	ok := h.state.CompareAndSwap(pending, finished)
	close(h.done)
	return ok
}

// abandon hands the unit's token to its still running execution. It reports
// false when the execution returned first.
func (h *handle[U]) abandon() bool {
	return h.state.CompareAndSwap(pending, abandoned)
}

type item[U any] struct {
	val U
	err error
}

// Scheduler is a restartable prefetching iterator. Start and Next must be
// called from a single goroutine; Reset may be called from any goroutine, and
// unblocks a pending Next.
type Scheduler[U any] struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	tokens   chan struct{}
	handles  chan *handle[U]
	delivery chan item[U]
	stop     chan struct{}
	cancel   context.CancelFunc
	stages   sync.WaitGroup
	pool     *errgroup.Group
	workers  *semaphore.Weighted

	held   bool  // caller holds the token of the last delivered unit
	endErr error // terminal error, once seen
}

// New returns an idle scheduler.
func New[U any](opts Options) *Scheduler[U] {
	if opts.Depth < 1 {
		opts.Depth = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = opts.Depth + 1
	}
	if opts.OnError == Unset {
		opts.OnError = DropAndLog
	}
	if opts.IsSkip == nil {
		opts.IsSkip = func(error) bool { return false }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler[U]{opts: opts, logger: logger}
}

// Start begins prefetching. next pulls the following raw unit and returns
// io.EOF at the end; exec runs the unit's actions. A running scheduler is
// reset first.
func (s *Scheduler[U]) Start(ctx context.Context, next func(context.Context) (U, error), exec func(context.Context, U) (U, error)) {
	s.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.tokens = make(chan struct{}, s.opts.Depth+1)
	s.handles = make(chan *handle[U], s.opts.Depth)
	s.delivery = make(chan item[U], 1)
	s.stop = make(chan struct{})
	s.pool = &errgroup.Group{}
	s.workers = semaphore.NewWeighted(int64(s.opts.Workers))
	s.held = false
	s.endErr = nil
	s.started = true

	s.stages.Add(2)
	go s.produce(runCtx, next, exec)
	go s.consume()
}

func (s *Scheduler[U]) acquire() bool {
	select {
	case s.tokens <- struct{}{}:
		s.opts.Metrics.inc()
		return true
	case <-s.stop:
		return false
	}
}

func (s *Scheduler[U]) release() {
	<-s.tokens
	s.opts.Metrics.dec()
}

func (s *Scheduler[U]) produce(ctx context.Context, next func(context.Context) (U, error), exec func(context.Context, U) (U, error)) {
	defer s.stages.Done()
	stop, handles, pool, workers := s.stop, s.handles, s.pool, s.workers
	for {
		if !s.acquire() {
			return
		}
		u, err := next(ctx)
		if err != nil {
			s.release()
			h := &handle[U]{done: make(chan struct{}), err: err, last: true}
			close(h.done)
			select {
			case handles <- h:
			case <-stop:
			}
			return
		}
		// ctx is canceled by Reset, so a full pool never delays it.
		if err := workers.Acquire(ctx, 1); err != nil {
			s.release()
			return
		}
		select {
		case <-stop:
			workers.Release(1)
			s.release()
			return
		default:
		}
		uctx, cancel := context.WithCancel(ctx)
		h := &handle[U]{done: make(chan struct{}), cancel: cancel}
		pool.Go(func() error {
			defer workers.Release(1)
			defer cancel()
			defer func() {
				if !h.finish() {
					s.release()
				}
			}()
			defer func() {
				if p := recover(); p != nil {
					h.err = errors.Errorf("panic executing unit: %v\n%s", p, debug.Stack())
				}
			}()
			h.val, h.err = exec(uctx, u)
			return nil
		})
		select {
		case handles <- h:
		case <-stop:
			return
		}
	}
}

func (s *Scheduler[U]) consume() {
	defer s.stages.Done()
	stop, handles, delivery := s.stop, s.handles, s.delivery
	deliver := func(it item[U]) bool {
		select {
		case delivery <- it:
			return true
		case <-stop:
			return false
		}
	}
	for {
		var h *handle[U]
		select {
		case h = <-handles:
		case <-stop:
			return
		}
		if h.last {
			deliver(item[U]{err: h.err})
			return
		}
		err := s.wait(h, stop)
		if err == errStopped {
			return
		}
		owned := true
		if err != nil {
			if h.abandon() {
				// The execution keeps the token until it returns.
				owned = false
				h.cancel()
			} else {
				<-h.done
				err = nil
			}
		}
		if err == nil {
			err = h.err
		}
		if err != nil && owned {
			s.release()
		}

		switch {
		case err == nil:
			if !deliver(item[U]{val: h.val}) {
				return
			}
			s.opts.Metrics.count(OutcomeDelivered)
		case s.opts.IsSkip(err):
			s.opts.Metrics.count(OutcomeSkipped)
		case s.opts.OnError == Propagate:
			s.opts.Metrics.count(OutcomeDropped)
			deliver(item[U]{err: err})
			return
		default:
			s.opts.Metrics.count(OutcomeDropped)
			s.logger.Error("unit dropped", slog.Any("error", err))
		}
	}
}

var errStopped = errors.New("scheduler stopped")

func (s *Scheduler[U]) wait(h *handle[U], stop <-chan struct{}) error {
	var timeout <-chan time.Time
	if s.opts.Timeout > 0 {
		t := time.NewTimer(s.opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-h.done:
		return nil
	case <-timeout:
		return errors.WithStack(ErrTimeout)
	case <-stop:
		return errStopped
	}
}

// Next returns the following executed unit in pull order, or io.EOF once the
// stream is exhausted or the scheduler is reset. Calling Next releases the
// admission token of the unit it returned previously.
func (s *Scheduler[U]) Next(ctx context.Context) (U, error) {
	var zero U
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return zero, io.EOF
	}
	if s.held {
		s.release()
		s.held = false
	}
	if err := s.endErr; err != nil {
		s.mu.Unlock()
		return zero, err
	}
	stop, delivery := s.stop, s.delivery
	s.mu.Unlock()

	select {
	case it := <-delivery:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stop != stop || !s.started {
			// Reset dropped the unit along with its token.
			return zero, io.EOF
		}
		if it.err != nil {
			s.endErr = it.err
			return zero, it.err
		}
		s.held = true
		return it.val, nil
	case <-stop:
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// InFlight returns the number of admission tokens currently held.
func (s *Scheduler[U]) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	return len(s.tokens)
}

// Reset stops both stages, waits for in-flight executions and drops every
// queued unit. It is idempotent and safe to call before Start.
func (s *Scheduler[U]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	close(s.stop)
	s.cancel()
	s.stages.Wait()
	s.pool.Wait()

	for len(s.handles) > 0 {
		<-s.handles
	}
	for len(s.delivery) > 0 {
		<-s.delivery
	}
	for len(s.tokens) > 0 {
		<-s.tokens
		s.opts.Metrics.dec()
	}
	s.started = false
	s.held = false
	s.endErr = nil
}
