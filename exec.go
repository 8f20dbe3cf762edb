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
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"lostluck.dev/batchflow/internal/harness"
)

var errNoSource = errors.New("chain has no source")

// Execute runs the chain's records on u and returns the resulting unit.
func (c *Chain[U]) Execute(ctx context.Context, u U) (U, error) {
	if c.err != nil {
		return u, c.err
	}
	return c.runRecords(ctx, c.records, u)
}

// CreateUnit builds the unit identified by index from the chain's source and
// executes the chain on it.
func (c *Chain[U]) CreateUnit(ctx context.Context, index any) (U, error) {
	var zero U
	if c.err != nil {
		return zero, c.err
	}
	if c.source == nil {
		return zero, errNoSource
	}
	if len(c.records) > 0 && c.records[0].kind == rebatchRecord {
		return zero, errors.New("cannot create units by index from a rebatched chain")
	}
	u, err := c.source.CreateUnit(ctx, index)
	if err != nil {
		return zero, errors.Wrapf(err, "creating unit %v", index)
	}
	return c.Execute(ctx, u)
}

// runRecords executes records on u with c as the owning chain. Records of
// nested chains run here too, so models and variables they use are c's.
func (c *Chain[U]) runRecords(ctx context.Context, records []*record[U], u U) (U, error) {
	var joined []U
	for _, r := range records {
		if r.proba != nil && rand.Float64() >= *r.proba {
			continue
		}
		n := 1
		if r.repeat != nil {
			n = *r.repeat
		}
		for range n {
			var err error
			u, joined, err = c.runRecord(ctx, r, u, joined)
			if err != nil {
				return u, err
			}
		}
	}
	return u, nil
}

// runRecord executes a single record. joined holds the units pulled by a
// directly preceding join, and the returned slice is what the next record
// sees.
func (c *Chain[U]) runRecord(ctx context.Context, r *record[U], u U, joined []U) (U, []U, error) {
	switch r.kind {
	case actionRecord:
		out, err := c.call(ctx, r, u, joined)
		return out, nil, err
	case nestedRecord:
		out, err := c.runRecords(ctx, r.chain.records, u)
		return out, nil, err
	case joinRecord:
		idx, ok := any(u).(Indexer)
		if !ok {
			return u, nil, errors.Errorf("joining by index needs units implementing Indexer, got %T", u)
		}
		pulled, err := pullAll(ctx, r.chains, func(ch *Chain[U], ctx context.Context) (U, error) {
			return ch.CreateUnit(ctx, idx.Index())
		})
		return u, pulled, err
	case joinNextRecord:
		pulled, err := pullAll(ctx, r.chains, (*Chain[U]).NextUnit)
		return u, pulled, err
	case mergeRecord:
		pulled, err := pullAll(ctx, r.chains, (*Chain[U]).NextUnit)
		if err != nil {
			return u, nil, err
		}
		merged, _, err := mergeWith(r.mergeFn)(append([]U{u}, pulled...), 0)
		if err != nil {
			return u, nil, errors.Wrap(err, "merging units")
		}
		return merged, nil, nil
	case rebatchRecord:
		// The regrouping happened when the unit was pulled.
		return u, nil, nil
	case importRecord:
		return u, nil, c.importModel(r)
	}
	return u, nil, errors.Errorf("unknown record kind %v", r.kind)
}

func pullAll[U any](ctx context.Context, chains []*Chain[U], pull func(*Chain[U], context.Context) (U, error)) ([]U, error) {
	units := make([]U, 0, len(chains))
	for i, ch := range chains {
		u, err := pull(ch, ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "pulling from joined chain %d", i)
		}
		units = append(units, u)
	}
	return units, nil
}

func (c *Chain[U]) call(ctx context.Context, r *record[U], u U, joined []U) (U, error) {
	call := &Call[U]{
		Chain:  c,
		Name:   r.name,
		Args:   r.args,
		Kwargs: r.kwargs,
		Joined: joined,
		Logger: c.actionLogger(ctx, r.name),
	}
	if r.action.Model != "" {
		m, err := c.resolveModel(ctx, r.action.Model, u)
		if err != nil {
			return u, errors.Wrapf(err, "action %q", r.name)
		}
		call.Model = m
	}
	if r.action.Lock != "" {
		mu := c.mutex(r.action.Lock)
		mu.Lock()
		defer mu.Unlock()
	}
	out, err := r.action.Fn(ctx, u, call)
	if err != nil {
		return out, errors.Wrapf(err, "action %q", r.name)
	}
	return out, nil
}

func (c *Chain[U]) actionLogger(ctx context.Context, name string) *slog.Logger {
	if rc := harness.FromContext(ctx); rc != nil {
		return rc.LoggerForAction(name)
	}
	return c.logger.With(slog.String("action", name))
}

// importModel imports the recorded model into c, once per chain.
func (c *Chain[U]) importModel(r *record[U]) error {
	once, _ := r.imported.LoadOrStore(c.id, sync.OnceValue(func() error {
		return c.registry.ImportInto(r.model, r.from, c.id)
	}))
	if err := once.(func() error)(); err != nil {
		return errors.Wrapf(err, "importing model %q", r.model)
	}
	return nil
}

// mergeWith returns fn, or a function using the units' Merger when fn is nil.
func mergeWith[U any](fn MergeFunc[U]) MergeFunc[U] {
	if fn != nil {
		return fn
	}
	return func(units []U, size int) (U, U, error) {
		var zero U
		if len(units) == 0 {
			return zero, zero, errors.New("nothing to merge")
		}
		m, ok := any(units[0]).(Merger[U])
		if !ok {
			return zero, zero, errors.Errorf("merging needs a merge function or units implementing Merger, got %T", units[0])
		}
		return m.Merge(units, size)
	}
}
