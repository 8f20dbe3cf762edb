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

package batchflow

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"lostluck.dev/batchflow/internal/flowopts"
	"lostluck.dev/batchflow/internal/harness"
	"lostluck.dev/batchflow/internal/prefetch"
	"lostluck.dev/batchflow/parallel"
)

// runState holds the lazily started iteration behind NextUnit.
type runState[U any] struct {
	mu   sync.Mutex
	lazy []Options
	it   *iteration[U]
}

func (s *runState[U]) lazyOpts() []Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lazy)
}

// iteration is one run of a chain, yielding executed units.
type iteration[U any] struct {
	mu   sync.Mutex
	next func(context.Context) (U, error)
	stop func()
}

func (it *iteration[U]) Next(ctx context.Context) (U, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.next(ctx)
}

// Lazy records run options used when NextUnit starts iterating. Unlike the
// methods that record actions, Lazy modifies c and returns it.
func (c *Chain[U]) Lazy(opts ...Options) *Chain[U] {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.lazy = append(c.state.lazy, opts...)
	return c
}

// runOptions lays the lazy options, then opts, over the chain's own.
func (c *Chain[U]) runOptions(opts ...Options) flowopts.Struct {
	o := c.opts
	o.Join(c.state.lazyOpts()...)
	o.Join(opts...)
	return o
}

// NextUnit returns the chain's next executed unit, starting an iteration
// configured by the options given to Lazy on first use. It returns io.EOF
// once the source is exhausted, until Reset. NextUnit is safe for concurrent
// use.
func (c *Chain[U]) NextUnit(ctx context.Context) (U, error) {
	c.state.mu.Lock()
	it := c.state.it
	if it == nil {
		var err error
		o := c.opts
		o.Join(c.state.lazy...)
		// The iteration outlives this call.
		it, err = c.start(context.WithoutCancel(ctx), o)
		if err != nil {
			c.state.mu.Unlock()
			var zero U
			return zero, err
		}
		c.state.it = it
	}
	c.state.mu.Unlock()
	return it.Next(ctx)
}

// Units runs the chain and yields every executed unit in source order. A
// failure ends the sequence after it is yielded. Breaking out of the loop
// stops the run.
func (c *Chain[U]) Units(ctx context.Context, opts ...Options) iter.Seq2[U, error] {
	return func(yield func(U, error) bool) {
		var zero U
		it, err := c.start(ctx, c.runOptions(opts...))
		if err != nil {
			yield(zero, err)
			return
		}
		defer it.stop()
		for {
			u, err := it.Next(ctx)
			if err == io.EOF {
				return
			}
			if !yield(u, err) || err != nil {
				return
			}
		}
	}
}

// Run executes the chain over its whole source, discarding the units.
func (c *Chain[U]) Run(ctx context.Context, opts ...Options) error {
	for _, err := range c.Units(ctx, opts...) {
		if err != nil {
			return err
		}
	}
	return nil
}

// Reset stops the iteration started by NextUnit, discarding units in flight,
// and re-initializes variables declared with InitOnEachRun. A NextUnit call
// blocked on the stopped iteration returns io.EOF. It is safe to call at any
// time, any number of times.
func (c *Chain[U]) Reset() {
	c.state.mu.Lock()
	it := c.state.it
	c.state.it = nil
	c.state.mu.Unlock()
	if it != nil {
		it.stop()
	}
	c.vars.initOnRun()
}

// Close resets the chain and drops its per-chain models.
func (c *Chain[U]) Close() {
	c.Reset()
	c.registry.DeleteAll(c.id)
}

func (c *Chain[U]) start(ctx context.Context, o flowopts.Struct) (*iteration[U], error) {
	if c.err != nil {
		return nil, c.err
	}
	switch {
	case o.Prefetch < 0:
		return nil, &ConfigurationError{Reason: "prefetch depth must not be negative"}
	case o.Workers < 0:
		return nil, &ConfigurationError{Reason: "worker count must not be negative"}
	case o.Target == parallel.Processes:
		return nil, &ConfigurationError{Reason: "chains cannot prefetch on the processes target"}
	}
	c.vars.initOnRun()

	ctx, cancel := context.WithCancelCause(ctx)
	rc := harness.NewRunContext(o.LoggerOrDefault(), c.id, o.Name)
	ctx = harness.WithRunContext(ctx, rc)
	logger := rc.Logger()

	pull, stopPull, err := c.puller(ctx, o)
	if err != nil {
		cancel(err)
		return nil, err
	}
	stopRun := func() {
		cancel(errStopped)
		stopPull()
	}

	exec := c.Execute
	workers := o.Workers
	switch o.Target {
	case parallel.Sequential:
		workers = 1
	case parallel.Tasks:
		loop := parallel.NewLoop()
		exec = func(ctx context.Context, u U) (U, error) {
			out := u
			err := loop.Run(ctx, func(ctx context.Context) error {
				var err error
				out, err = c.Execute(ctx, u)
				return err
			})
			return out, err
		}
	}

	logger.Debug("run started", slog.Int("prefetch", o.Prefetch), slog.String("target", o.Target.String()))

	if o.Prefetch == 0 {
		return &iteration[U]{
			next: func(callCtx context.Context) (U, error) {
				// Units run under the run context and stop with either it or callCtx.
				ctx, done := callContext(ctx, callCtx)
				defer done()
				for {
					u, err := pull(ctx)
					if err == nil {
						u, err = exec(ctx, u)
						if errors.Is(err, ErrSkipUnit) {
							continue
						}
					}
					if err != nil && context.Cause(ctx) == errStopped {
						return u, io.EOF
					}
					return u, err
				}
			},
			stop: stopRun,
		}, nil
	}

	label := o.Name
	if label == "" {
		label = c.id.String()
	}
	metrics, err := prefetch.NewMetrics(o.Metrics, label)
	if err != nil {
		stopRun()
		return nil, errors.Wrap(err, "registering prefetch metrics")
	}
	sched := prefetch.New[U](prefetch.Options{
		Depth:   o.Prefetch,
		Workers: workers,
		Timeout: o.Timeout,
		OnError: o.OnUnitError,
		IsSkip:  func(err error) bool { return errors.Is(err, ErrSkipUnit) },
		Logger:  logger,
		Metrics: metrics,
	})
	sched.Start(ctx, pull, exec)
	return &iteration[U]{
		next: sched.Next,
		stop: func() {
			sched.Reset()
			stopRun()
		},
	}, nil
}

// errStopped is the cancellation cause of a run ended by Reset or by the
// consumer of Units.
var errStopped = errors.New("chain run stopped")

// callContext returns a context carrying the values of run, canceled along
// with either run or call.
func callContext(run, call context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(run)
	stop := context.AfterFunc(call, func() { cancel(context.Cause(call)) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// puller returns the function producing the raw units of a run, and the
// function releasing whatever it holds.
func (c *Chain[U]) puller(ctx context.Context, o flowopts.Struct) (func(context.Context) (U, error), func(), error) {
	if len(c.records) > 0 && c.records[0].kind == rebatchRecord {
		r := c.records[0]
		inner := o
		inner.Name = ""
		from, err := r.chain.start(ctx, r.chain.runOptions(&inner))
		if err != nil {
			return nil, nil, err
		}
		rb := &rebatcher[U]{next: from.Next, size: r.size, merge: mergeWith(r.mergeFn)}
		return rb.pull, from.stop, nil
	}
	if c.source == nil {
		return nil, nil, errNoSource
	}
	return c.source.NextUnit, func() {}, nil
}

// rebatcher regroups the units of another run into units of a fixed size,
// carrying the remainder of each merge into the next one.
type rebatcher[U any] struct {
	next  func(context.Context) (U, error)
	size  int
	merge MergeFunc[U]

	mu   sync.Mutex
	rest U
	has  bool
	done bool
}

func (b *rebatcher[U]) pull(ctx context.Context) (U, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero U
	var parts []U
	n := 0
	if b.has {
		parts = append(parts, b.rest)
		n += unitLen(b.rest)
		b.rest, b.has = zero, false
	}
	for n < b.size && !b.done {
		u, err := b.next(ctx)
		if err == io.EOF {
			b.done = true
			break
		}
		if err != nil {
			return zero, err
		}
		parts = append(parts, u)
		n += unitLen(u)
	}
	if n == 0 {
		return zero, io.EOF
	}
	merged, rest, err := b.merge(parts, b.size)
	if err != nil {
		return zero, errors.Wrap(err, "rebatching units")
	}
	if !isEmpty(rest) {
		b.rest, b.has = rest, true
	}
	return merged, nil
}

// unitLen is the number of elements in u. Units without a length count as
// one element.
func unitLen(u any) int {
	if s, ok := u.(Sizer); ok {
		return s.Len()
	}
	return 1
}

func isEmpty(u any) bool {
	if u == nil {
		return true
	}
	if v := reflect.ValueOf(u); v.IsZero() {
		return true
	}
	if s, ok := u.(Sizer); ok {
		return s.Len() == 0
	}
	return false
}
