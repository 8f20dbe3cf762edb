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

// Package parallel fans one operation on a unit out over many argument
// bundles, on an interchangeable execution back-end.
//
// An init hook turns a call into bundles, every bundle becomes one piece of
// concurrent work, and a post hook folds the ordered results back into the
// owner. Failures never abort sibling bundles: they are captured in the
// result list, which always has one entry per bundle in bundle order.
package parallel

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Bundle is the arguments of one piece of work.
type Bundle struct {
	Args   []any
	Kwargs map[string]any
}

// Each returns one single argument bundle per value.
func Each[T any](vals []T) []Bundle {
	bs := make([]Bundle, len(vals))
	for i, v := range vals {
		bs[i] = Bundle{Args: []any{v}}
	}
	return bs
}

// Result is the outcome of one bundle.
type Result struct {
	Value any
	Err   error
}

// Work is the operation applied to every bundle.
type Work[O any] func(ctx context.Context, owner O, b Bundle) (any, error)

// InitFunc produces the bundles of a call.
type InitFunc[O any] func(ctx context.Context, owner O, call Bundle) ([]Bundle, error)

// PostFunc folds the results of a call into the call's result.
type PostFunc[O any] func(ctx context.Context, owner O, results []Result, call Bundle) (O, error)

// SpecializeFunc runs once per call and returns the function run on each
// bundle of that call.
type SpecializeFunc[O any] func(ctx context.Context, owner O, call Bundle) (func(context.Context, Bundle) (any, error), error)

type settings struct {
	target      Target
	init        any
	post        any
	specialize  any
	workers     int
	timeout     time.Duration
	loop        *Loop
	logger      *slog.Logger
	processFunc string
}

// Option configures a Dispatcher.
type Option func(*settings)

// Backend selects the execution back-end. The default is Threads.
func Backend(t Target) Option { return func(s *settings) { s.target = t } }

// Init sets the hook producing bundles: an InitFunc, a []Bundle or an
// iter.Seq[Bundle].
func Init(hook any) Option { return func(s *settings) { s.init = hook } }

// Post sets the PostFunc aggregating results.
func Post(hook any) Option { return func(s *settings) { s.post = hook } }

// Specialize sets a SpecializeFunc used instead of the Work. Threads only.
func Specialize(fn any) Option { return func(s *settings) { s.specialize = fn } }

// Workers bounds the bundles running at once.
func Workers(n int) Option { return func(s *settings) { s.workers = n } }

// Timeout bounds a whole call. Bundles still running when it elapses get
// ErrTimeout.
func Timeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithLoop runs Tasks on l instead of a fresh loop per call.
func WithLoop(l *Loop) Option { return func(s *settings) { s.loop = l } }

// Logger sets the logger of the default aggregation.
func Logger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

// ProcessFunc names the registered function Processes runs in its workers.
func ProcessFunc(name string) Option { return func(s *settings) { s.processFunc = name } }

// DefaultWorkers is four times the number of CPUs.
func DefaultWorkers() int { return 4 * runtime.NumCPU() }

// Dispatcher runs a Work over the bundles of each call.
type Dispatcher[O any] struct {
	target     Target
	work       Work[O]
	init       InitFunc[O]
	post       PostFunc[O]
	specialize SpecializeFunc[O]
	procName   string
	workers    int
	timeout    time.Duration
	loop       *Loop
	logger     *slog.Logger
}

func confErr(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// New validates the hooks and returns a Dispatcher. Invalid hooks give a
// *ConfigurationError.
func New[O any](work Work[O], opts ...Option) (*Dispatcher[O], error) {
	s := settings{target: Threads}
	for _, opt := range opts {
		opt(&s)
	}
	d := &Dispatcher[O]{
		target:  s.target,
		work:    work,
		workers: s.workers,
		timeout: s.timeout,
		loop:    s.loop,
		logger:  s.logger,
	}
	if d.target == Unset {
		d.target = Threads
	}
	if d.target < Threads || d.target > Sequential {
		return nil, confErr("unknown target %v", d.target)
	}
	if d.workers < 0 {
		return nil, confErr("workers must not be negative, got %d", d.workers)
	}
	if d.workers == 0 {
		d.workers = DefaultWorkers()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	switch h := s.init.(type) {
	case nil:
		return nil, confErr("an init hook is required")
	case InitFunc[O]:
		d.init = h
	case func(context.Context, O, Bundle) ([]Bundle, error):
		d.init = h
	case []Bundle:
		d.init = func(context.Context, O, Bundle) ([]Bundle, error) { return h, nil }
	case iter.Seq[Bundle]:
		d.init = func(context.Context, O, Bundle) ([]Bundle, error) { return slices.Collect(h), nil }
	case func(func(Bundle) bool):
		d.init = func(context.Context, O, Bundle) ([]Bundle, error) { return slices.Collect(iter.Seq[Bundle](h)), nil }
	default:
		return nil, confErr("init hook must be an InitFunc, []Bundle or iter.Seq[Bundle], got %T", s.init)
	}

	switch h := s.post.(type) {
	case nil:
	case PostFunc[O]:
		d.post = h
	case func(context.Context, O, []Result, Bundle) (O, error):
		d.post = h
	default:
		return nil, confErr("post hook must be a PostFunc, got %T", s.post)
	}

	switch h := s.specialize.(type) {
	case nil:
	case SpecializeFunc[O]:
		d.specialize = h
	case func(context.Context, O, Bundle) (func(context.Context, Bundle) (any, error), error):
		d.specialize = h
	default:
		return nil, confErr("specialize must be a SpecializeFunc, got %T", s.specialize)
	}
	if d.specialize != nil && d.target != Threads {
		return nil, confErr("specialized work requires the threads target, not %v", d.target)
	}

	if d.target == Processes {
		if _, ok := lookupProcessFunc(s.processFunc); !ok {
			return nil, confErr("process function %q is not registered", s.processFunc)
		}
		d.procName = s.processFunc
	} else if d.work == nil && d.specialize == nil {
		return nil, confErr("no work to dispatch")
	}
	return d, nil
}

// Target returns the dispatcher's back-end.
func (d *Dispatcher[O]) Target() Target { return d.target }

// makeBundle appends the call's arguments to b's and lays the call's keyword
// arguments over b's.
func makeBundle(b, call Bundle) Bundle {
	out := Bundle{Args: append(append([]any(nil), b.Args...), call.Args...)}
	if len(b.Kwargs)+len(call.Kwargs) > 0 {
		out.Kwargs = make(map[string]any, len(b.Kwargs)+len(call.Kwargs))
		maps.Copy(out.Kwargs, b.Kwargs)
		maps.Copy(out.Kwargs, call.Kwargs)
	}
	return out
}

// popControl removes the n_workers and timeout keyword arguments from call,
// which override the dispatcher's settings for this call.
func (d *Dispatcher[O]) popControl(call Bundle) (Bundle, int, time.Duration) {
	workers, timeout := d.workers, d.timeout
	if len(call.Kwargs) == 0 {
		return call, workers, timeout
	}
	kw := maps.Clone(call.Kwargs)
	if v, ok := kw["n_workers"]; ok {
		if n, ok := v.(int); ok && n > 0 {
			workers = n
		}
		delete(kw, "n_workers")
	}
	if v, ok := kw["timeout"]; ok {
		switch v := v.(type) {
		case time.Duration:
			timeout = v
		case float64:
			timeout = time.Duration(v * float64(time.Second))
		case int:
			timeout = time.Duration(v) * time.Second
		}
		delete(kw, "timeout")
	}
	call.Kwargs = kw
	return call, workers, timeout
}

// Call dispatches the bundles produced for call and returns the post hook's
// result, or the owner under the default aggregation.
func (d *Dispatcher[O]) Call(ctx context.Context, owner O, call Bundle) (O, error) {
	call, workers, timeout := d.popControl(call)
	initArgs, err := d.init(ctx, owner, call)
	if err != nil {
		return owner, errors.Wrap(err, "init hook")
	}
	bundles := make([]Bundle, len(initArgs))
	for i, b := range initArgs {
		bundles[i] = makeBundle(b, call)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var results []Result
	switch d.target {
	case Threads:
		results, err = d.runThreads(runCtx, owner, call, bundles, workers)
	case Processes:
		results = d.runProcesses(runCtx, bundles, workers)
	case Tasks:
		results = d.runTasks(runCtx, owner, bundles)
	case Sequential:
		results = d.runSequential(runCtx, owner, bundles)
	}
	if err != nil {
		return owner, err
	}

	if d.post != nil {
		return d.post(ctx, owner, results, call)
	}
	d.logFailures(results)
	return owner, nil
}

func (d *Dispatcher[O]) logFailures(results []Result) {
	errs := Errors(results)
	if len(errs) == 0 {
		return
	}
	d.logger.Error("parallel work failed",
		slog.Int("failed", len(errs)),
		slog.Int("bundles", len(results)),
		slog.Any("errors", errs))
	d.logger.Error("first failure", slog.String("trace", fmt.Sprintf("%+v", errs[0])))
}

// collector gathers results that may arrive after a call timed out.
type collector struct {
	mu      sync.Mutex
	results []Result
	set     []bool
	closed  bool
}

func newCollector(n int) *collector {
	return &collector{results: make([]Result, n), set: make([]bool, n)}
}

func (c *collector) put(i int, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.results[i], c.set[i] = r, true
}

// close marks every missing result as timed out and returns the results.
func (c *collector) close() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for i, ok := range c.set {
		if !ok {
			c.results[i] = Result{Err: ErrTimeout}
		}
	}
	return c.results
}

func safeCall(ctx context.Context, fn func(context.Context) (any, error)) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			r = Result{Err: errors.Errorf("panic in parallel work: %v\n%s", p, debug.Stack())}
		}
	}()
	v, err := fn(ctx)
	return Result{Value: v, Err: err}
}

func (d *Dispatcher[O]) bundleFunc(ctx context.Context, owner O, call Bundle) (func(context.Context, Bundle) (any, error), error) {
	if d.specialize != nil {
		fn, err := d.specialize(ctx, owner, call)
		if err != nil {
			return nil, errors.Wrap(err, "specializing work")
		}
		if fn == nil {
			return nil, confErr("specialize returned no function")
		}
		return fn, nil
	}
	return func(ctx context.Context, b Bundle) (any, error) {
		return d.work(ctx, owner, b)
	}, nil
}

func (d *Dispatcher[O]) runThreads(ctx context.Context, owner O, call Bundle, bundles []Bundle, workers int) ([]Result, error) {
	fn, err := d.bundleFunc(ctx, owner, call)
	if err != nil {
		return nil, err
	}
	c := newCollector(len(bundles))
	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(workers)
		for i, b := range bundles {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				c.put(i, safeCall(ctx, func(ctx context.Context) (any, error) { return fn(ctx, b) }))
				return nil
			})
		}
		g.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.close(), nil
}

func (d *Dispatcher[O]) runTasks(ctx context.Context, owner O, bundles []Bundle) []Result {
	loop := d.loop
	if loop == nil {
		loop = NewLoop()
	}
	c := newCollector(len(bundles))
	var wg sync.WaitGroup
	for i, b := range bundles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r Result
			err := loop.Run(ctx, func(ctx context.Context) error {
				r = safeCall(ctx, func(ctx context.Context) (any, error) { return d.work(ctx, owner, b) })
				return nil
			})
			if err != nil {
				r = Result{Err: ErrTimeout}
			}
			c.put(i, r)
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.close()
}

func (d *Dispatcher[O]) runSequential(ctx context.Context, owner O, bundles []Bundle) []Result {
	results := make([]Result, len(bundles))
	for i, b := range bundles {
		if ctx.Err() != nil {
			results[i] = Result{Err: ErrTimeout}
			continue
		}
		results[i] = safeCall(ctx, func(ctx context.Context) (any, error) { return d.work(ctx, owner, b) })
	}
	return results
}
