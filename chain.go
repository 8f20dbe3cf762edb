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
	"iter"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"lostluck.dev/batchflow/internal/flowopts"
	"lostluck.dev/batchflow/models"
)

// Source produces the raw units a chain executes on. Both methods may be
// called from many goroutines at once.
type Source[U any] interface {
	// NextUnit returns the following unit, or io.EOF once exhausted.
	NextUnit(ctx context.Context) (U, error)
	// CreateUnit returns the unit identified by index.
	CreateUnit(ctx context.Context, index any) (U, error)
}

// Indexer is implemented by units that can be joined by index.
type Indexer interface {
	Index() any
}

// Merger is implemented by units that can combine with others of their kind.
// Merge returns a unit of size elements built from units, in order, and the
// remainder. A size of zero merges everything.
type Merger[U any] interface {
	Merge(units []U, size int) (U, U, error)
}

// Sizer is implemented by units that know how many elements they hold.
type Sizer interface {
	Len() int
}

// MergeFunc combines units into one of size elements plus a remainder.
type MergeFunc[U any] func(units []U, size int) (U, U, error)

// Action is one named operation of a unit type.
type Action[U any] struct {
	Fn func(ctx context.Context, u U, call *Call[U]) (U, error)

	// Model names a model resolved before each call and passed as Call.Model.
	Model string
	// Lock names a chain variable holding a *sync.Mutex serializing the
	// action across the chain's units. It is created on first use.
	Lock string
}

// Actions is the operation table of a unit type.
type Actions[U any] map[string]Action[U]

// Kw holds keyword arguments. Passed to Chain.Do, its entries go to
// Call.Kwargs instead of Call.Args.
type Kw map[string]any

// Call is the invocation of one action on one unit.
type Call[U any] struct {
	Chain  *Chain[U]
	Name   string
	Args   []any
	Kwargs map[string]any
	Joined []U // units pulled by the preceding Join
	Model  any
	Logger *slog.Logger
}

type recordKind int

const (
	actionRecord recordKind = iota
	nestedRecord
	joinRecord
	joinNextRecord
	mergeRecord
	rebatchRecord
	importRecord
)

func (k recordKind) String() string {
	switch k {
	case actionRecord:
		return "action"
	case nestedRecord:
		return "chain"
	case joinRecord:
		return "join"
	case joinNextRecord:
		return "join_next"
	case mergeRecord:
		return "merge"
	case rebatchRecord:
		return "rebatch"
	case importRecord:
		return "import_model"
	}
	return "unknown"
}

// record is one recorded step of a chain. Records are shared between chains
// and never modified once appended.
type record[U any] struct {
	kind   recordKind
	name   string
	action Action[U]
	args   []any
	kwargs map[string]any

	proba  *float64 // nil runs always
	repeat *int     // nil runs once

	chain   *Chain[U]   // nested, or rebatch origin
	chains  []*Chain[U] // join and merge sources
	mergeFn MergeFunc[U]
	size    int

	model    string
	from     models.Owner
	imported sync.Map // chain id -> error
}

func (r *record[U]) clone() *record[U] {
	return &record[U]{
		kind: r.kind, name: r.name, action: r.action, args: r.args, kwargs: r.kwargs,
		proba: r.proba, repeat: r.repeat,
		chain: r.chain, chains: r.chains, mergeFn: r.mergeFn, size: r.size,
		model: r.model, from: r.from,
	}
}

// multiply combines two optional factors, treating nil as absent.
func multiply[T int | float64](a, b *T) *T {
	switch {
	case a != nil && b != nil:
		v := *a * *b
		return &v
	case a != nil:
		return a
	default:
		return b
	}
}

// Chain is a recorded, replayable sequence of actions over units of type U.
//
// Chains are immutable: every method that records something returns a new
// chain sharing the unaffected prefix, with its own identity. Construction
// errors are sticky and surface from Err and from every run entry point.
type Chain[U any] struct {
	id       uuid.UUID
	line     *lineage
	source   Source[U]
	actions  Actions[U]
	records  []*record[U]
	opts     flowopts.Struct
	registry *models.Registry
	vars     *varStore
	logger   *slog.Logger
	err      error

	state *runState[U]
}

// New returns an empty chain over src whose units support actions. src may
// be nil and bound later with WithSource.
func New[U any](src Source[U], actions Actions[U], opts ...Options) *Chain[U] {
	var o flowopts.Struct
	o.Join(opts...)
	logger := o.LoggerOrDefault()
	reg := o.Models
	if reg == nil {
		reg = models.NewRegistry(logger)
	}
	id := uuid.New()
	return &Chain[U]{
		id:       id,
		line:     &lineage{id: id},
		source:   src,
		actions:  actions,
		opts:     o,
		registry: reg,
		vars:     newVarStore(),
		logger:   logger,
		state:    &runState[U]{},
	}
}

// lineage links a chain to the chains it was derived from.
type lineage struct {
	id      uuid.UUID
	parents []*lineage
}

// derive returns a copy of c with a new identity. The copy's records slice
// has no spare capacity, so appending to it never touches c's.
func (c *Chain[U]) derive() *Chain[U] {
	id := uuid.New()
	d := &Chain[U]{
		id:       id,
		line:     &lineage{id: id, parents: []*lineage{c.line}},
		source:   c.source,
		actions:  c.actions,
		records:  slices.Clip(c.records),
		opts:     c.opts,
		registry: c.registry,
		vars:     c.vars,
		logger:   c.logger,
		err:      c.err,
		state:    &runState[U]{lazy: c.state.lazyOpts()},
	}
	return d
}

func (c *Chain[U]) with(r *record[U]) *Chain[U] {
	d := c.derive()
	d.records = append(d.records, r)
	return d
}

func (c *Chain[U]) fail(err error) *Chain[U] {
	d := c.derive()
	if d.err == nil {
		d.err = err
	}
	return d
}

// ID returns the chain's identity.
func (c *Chain[U]) ID() uuid.UUID { return c.id }

// Ancestors yields the identities of the chains c was derived from, nearest
// first. Static models are inherited from them on first use.
func (c *Chain[U]) Ancestors() iter.Seq[uuid.UUID] {
	return func(yield func(uuid.UUID) bool) {
		seen := map[*lineage]bool{}
		stack := slices.Clone(c.line.parents)
		slices.Reverse(stack)
		for len(stack) > 0 {
			l := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[l] {
				continue
			}
			seen[l] = true
			if !yield(l.id) {
				return
			}
			for _, p := range slices.Backward(l.parents) {
				stack = append(stack, p)
			}
		}
	}
}

// Config returns the chain configuration.
func (c *Chain[U]) Config() models.Config { return c.opts.Config }

// Registry returns the registry the chain resolves models from.
func (c *Chain[U]) Registry() *models.Registry { return c.registry }

// Err returns the first error recorded while building the chain.
func (c *Chain[U]) Err() error { return c.err }

// Len returns the number of records in the chain.
func (c *Chain[U]) Len() int { return len(c.records) }

// Do records a call of the named action. Arguments of type Kw become keyword
// arguments, the rest are positional.
func (c *Chain[U]) Do(name string, args ...any) *Chain[U] {
	act, ok := c.actions[name]
	if !ok || act.Fn == nil {
		return c.fail(&UnknownOperationError{Name: name, Known: slices.Collect(maps.Keys(c.actions))})
	}
	r := &record[U]{kind: actionRecord, name: name, action: act}
	for _, a := range args {
		if kw, ok := a.(Kw); ok {
			if r.kwargs == nil {
				r.kwargs = map[string]any{}
			}
			maps.Copy(r.kwargs, kw)
			continue
		}
		r.args = append(r.args, a)
	}
	return c.with(r)
}

// nest wraps c as the only record of a new chain.
func (c *Chain[U]) nest(proba *float64, repeat *int) *Chain[U] {
	d := c.derive()
	d.records = []*record[U]{{kind: nestedRecord, chain: c, proba: proba, repeat: repeat}}
	return d
}

// WithProbability makes the chain's steps run with probability p for each
// unit. A chain of one record without a repeat count has its record tagged,
// multiplying any probability it already has; any other chain is wrapped
// whole.
func (c *Chain[U]) WithProbability(p float64) *Chain[U] {
	if p < 0 || p > 1 {
		return c.fail(errors.Errorf("probability %v is outside [0, 1]", p))
	}
	if len(c.records) == 0 {
		return c.fail(errors.New("cannot add a probability to an empty chain"))
	}
	if p == 1 {
		return c.derive()
	}
	if len(c.records) == 1 && c.records[0].repeat == nil {
		d := c.derive()
		r := c.records[0].clone()
		r.proba = multiply(&p, r.proba)
		d.records = []*record[U]{r}
		return d
	}
	return c.nest(&p, nil)
}

// WithRepeat makes the chain's steps run n times for each unit. A chain of
// one record without a probability has its record tagged, multiplying any
// count it already has; any other chain is wrapped whole.
func (c *Chain[U]) WithRepeat(n int) *Chain[U] {
	if n < 0 {
		return c.fail(errors.Errorf("repeat count %d is negative", n))
	}
	if len(c.records) == 1 && c.records[0].proba == nil {
		d := c.derive()
		r := c.records[0].clone()
		r.repeat = multiply(&n, r.repeat)
		d.records = []*record[U]{r}
		return d
	}
	return c.nest(nil, &n)
}

func sameSource(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Concat returns a chain running a's records then b's, with both chains'
// variables. Chains bound to different sources cannot be concatenated.
func Concat[U any](a, b *Chain[U]) *Chain[U] {
	d := a.derive()
	if d.err == nil {
		d.err = b.err
	}
	if a.source != nil && b.source != nil && !sameSource(a.source, b.source) && d.err == nil {
		d.err = &ConflictingSourceError{}
	}
	if d.source == nil {
		d.source = b.source
	}
	if d.actions == nil {
		d.actions = b.actions
	}
	d.records = append(d.records, b.records...)
	d.vars = mergeStores(a.vars, b.vars)
	// a's models take precedence over b's.
	d.line.parents = append(d.line.parents, b.line)
	return d
}

// Append is Concat(c, other).
func (c *Chain[U]) Append(other *Chain[U]) *Chain[U] {
	return Concat(c, other)
}

// Nest records sub as a single step running all of sub's records.
func (c *Chain[U]) Nest(sub *Chain[U]) *Chain[U] {
	d := c.with(&record[U]{kind: nestedRecord, chain: sub})
	if d.err == nil {
		d.err = sub.err
	}
	return d
}

// Join pulls, for each unit, the unit with the same index from every one of
// chains and passes them to the next action as Call.Joined. Units must
// implement Indexer.
func (c *Chain[U]) Join(chains ...*Chain[U]) *Chain[U] {
	return c.with(&record[U]{kind: joinRecord, chains: chains})
}

// JoinNext is Join pulling the next unit of every one of chains instead of
// the one with the same index.
func (c *Chain[U]) JoinNext(chains ...*Chain[U]) *Chain[U] {
	return c.with(&record[U]{kind: joinNextRecord, chains: chains})
}

// Merge pulls the next unit of every one of chains and replaces the current
// unit with the combination of all of them. A nil fn uses the unit's Merger.
// Remainders are discarded.
func (c *Chain[U]) Merge(fn MergeFunc[U], chains ...*Chain[U]) *Chain[U] {
	return c.with(&record[U]{kind: mergeRecord, chains: chains, mergeFn: fn})
}

// Rebatch returns a new chain whose units are c's output regrouped into units
// of size elements. A nil fn uses the unit's Merger.
func (c *Chain[U]) Rebatch(size int, fn MergeFunc[U]) *Chain[U] {
	id := uuid.New()
	d := &Chain[U]{
		id:       id,
		line:     &lineage{id: id},
		source:   c.source,
		actions:  c.actions,
		opts:     c.opts,
		registry: c.registry,
		vars:     newVarStore(),
		logger:   c.logger,
		err:      c.err,
		state:    &runState[U]{},
	}
	if size <= 0 && d.err == nil {
		d.err = errors.Errorf("rebatch size must be positive, got %d", size)
	}
	d.records = []*record[U]{{kind: rebatchRecord, chain: c, size: size, mergeFn: fn}}
	return d
}

// WithSource returns a copy of c bound to src.
func (c *Chain[U]) WithSource(src Source[U]) *Chain[U] {
	d := c.derive()
	d.source = src
	return d
}
