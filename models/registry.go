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

package models

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Scope is the lifetime and sharing class of a model.
type Scope int

const (
	// Global models are built once, at declaration, and shared by everyone.
	Global Scope = iota
	// Static models are built once per owning chain, from the chain itself.
	Static
	// Dynamic models are built once per owning chain, from the first unit
	// that asks for them.
	Dynamic
)

func (s Scope) String() string {
	switch s {
	case Global:
		return "global"
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

var allScopes = []Scope{Global, Static, Dynamic}

// Config is a keyed set of model parameters. A chain's Config maps model
// names (or suffixes of their qualified names) to nested Configs.
type Config map[string]any

// Owner is a chain instance that owns per-chain models.
type Owner interface {
	ID() uuid.UUID
	Config() Config
}

// Ancestry is implemented by owners derived from other owners. A static
// model the owner has not built is inherited from the nearest ancestor that
// has, the first time the owner asks for it.
type Ancestry interface {
	// Ancestors yields the IDs of the owner's ancestors, nearest first.
	Ancestors() iter.Seq[uuid.UUID]
}

// Builder produces a model. For Global models owner is nil, for Static models
// it is the owning chain and for Dynamic models the unit being processed.
type Builder func(ctx context.Context, owner any, cfg Config) (any, error)

// Definition is a declared model: a qualified name, a scope and a builder.
type Definition struct {
	name  string
	scope Scope
	build Builder
}

// Name returns the fully qualified name of the model.
func (d *Definition) Name() string { return d.name }

// Scope returns the scope the model was declared with.
func (d *Definition) Scope() Scope { return d.scope }

func (d *Definition) String() string {
	return fmt.Sprintf("%v model %s", d.scope, d.name)
}

// matches reports whether name is a suffix of the qualified name.
func (d *Definition) matches(name string) bool {
	return equalNames(name, d.name)
}

func equalNames(name, qualified string) bool {
	return name != "" && strings.HasSuffix(qualified, name)
}

// Key identifies one cached model. Owner is uuid.Nil for Global models and
// for Static placeholders created at declaration.
type Key struct {
	Scope Scope
	Owner uuid.UUID
	Def   *Definition
}

type entry struct {
	value any
	built bool
	def   *Definition
}

type lockKey struct {
	def   *Definition
	owner uuid.UUID
}

// Registry caches models by Key. It is safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	defs    []*Definition
	entries map[Key]*entry
	locks   map[lockKey]*sync.Mutex
}

// NewRegistry returns an empty registry. A nil logger logs to slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		entries: map[Key]*entry{},
		locks:   map[lockKey]*sync.Mutex{},
	}
}

// QualifiedName returns the package qualified name of fn, such as
// "example.com/pkg.(*T).Method".
func QualifiedName(fn any) string {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return ""
	}
	f := runtime.FuncForPC(rv.Pointer())
	if f == nil {
		return ""
	}
	return strings.TrimSuffix(f.Name(), "-fm")
}

// Declare adds a model definition. An empty name uses the builder's
// qualified Go name. Global models are built immediately; Static models get
// a placeholder that is filled on first access.
func (r *Registry) Declare(ctx context.Context, name string, scope Scope, build Builder) (*Definition, error) {
	if build == nil {
		return nil, errors.Errorf("model %q declared without a builder", name)
	}
	if name == "" {
		name = QualifiedName(build)
	}
	if !slices.Contains(allScopes, scope) {
		return nil, errors.Errorf("model %q declared with unknown scope %v", name, scope)
	}
	def := &Definition{name: name, scope: scope, build: build}

	var value any
	if scope == Global {
		v, err := build(ctx, nil, Config{})
		if err != nil {
			return nil, errors.Wrapf(err, "building global model %q", name)
		}
		value = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = append(r.defs, def)
	switch scope {
	case Global:
		r.entries[Key{Scope: Global, Def: def}] = &entry{value: value, built: true, def: def}
	case Static:
		r.entries[Key{Scope: Static, Def: def}] = &entry{def: def}
	}
	r.logger.Debug("model declared", slog.String("model", name), slog.String("scope", scope.String()))
	return def, nil
}

func (r *Registry) lockFor(def *Definition, owner uuid.UUID) *sync.Mutex {
	k := lockKey{def: def, owner: owner}
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.locks[k]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[k] = mu
	}
	return mu
}

func (r *Registry) lookup(k Key) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[k]
	return e, ok
}

// Resolve returns the model for def as seen by owner, building it if needed.
//
// Concurrent callers asking for the same (def, owner) pair share a single
// build: the builder runs at most once and every caller gets the same value.
// The builder's config is the owner's configuration entry matching the
// model's qualified name, overridden by cfg.
func (r *Registry) Resolve(ctx context.Context, def *Definition, owner Owner, self any, cfg Config) (any, error) {
	if def.scope == Global {
		e, ok := r.lookup(Key{Scope: Global, Def: def})
		if !ok {
			return nil, &NotFoundError{Name: def.name}
		}
		return e.value, nil
	}
	if owner == nil {
		return nil, errors.Errorf("%v requires an owning chain", def)
	}
	key := Key{Scope: def.scope, Owner: owner.ID(), Def: def}
	if e, ok := r.lookup(key); ok && e.built {
		return e.value, nil
	}

	mu := r.lockFor(def, key.Owner)
	mu.Lock()
	defer mu.Unlock()
	if e, ok := r.lookup(key); ok && e.built {
		return e.value, nil
	}
	if e, ok := r.inherit(key, owner); ok {
		return e.value, nil
	}

	merged, err := mergeConfig(def, owner.Config(), cfg)
	if err != nil {
		return nil, err
	}
	var arg any = owner
	if def.scope == Dynamic {
		arg = self
	}
	v, err := def.build(ctx, arg, merged)
	if err != nil {
		return nil, errors.Wrapf(err, "building %v", def)
	}

	r.mu.Lock()
	r.entries[key] = &entry{value: v, built: true, def: def}
	r.mu.Unlock()
	r.logger.Debug("model built", slog.String("model", def.name), slog.String("scope", def.scope.String()), slog.String("chain", key.Owner.String()))
	return v, nil
}

// mergeConfig picks the single chain config entry whose key matches the
// model's qualified name, and lays cfg over it.
func mergeConfig(def *Definition, chainCfg, cfg Config) (Config, error) {
	var keys []string
	for k := range chainCfg {
		if def.matches(k) {
			keys = append(keys, k)
		}
	}
	if len(keys) > 1 {
		sort.Strings(keys)
		return nil, &AmbiguousConfigError{Model: def.name, Keys: keys}
	}
	merged := Config{}
	if len(keys) == 1 {
		switch base := chainCfg[keys[0]].(type) {
		case nil:
		case Config:
			for k, v := range base {
				merged[k] = v
			}
		case map[string]any:
			for k, v := range base {
				merged[k] = v
			}
		default:
			return nil, errors.Errorf("config entry %q for %v must be a map, got %T", keys[0], def, base)
		}
	}
	if len(cfg) > 0 {
		if err := mergo.Merge(&merged, cfg, mergo.WithOverride); err != nil {
			return nil, errors.Wrapf(err, "merging config for %v", def)
		}
	}
	return merged, nil
}

// FindAll returns every definition in the given scopes whose qualified name
// ends with name. No scopes means all of them.
func (r *Registry) FindAll(name string, scopes ...Scope) []*Definition {
	if len(scopes) == 0 {
		scopes = allScopes
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found []*Definition
	for _, def := range r.defs {
		if slices.Contains(scopes, def.scope) && def.matches(name) {
			found = append(found, def)
		}
	}
	return found
}

// LookupByName returns the only definition matching name in the given scopes.
// It returns a *NotFoundError when nothing matches and an *AmbiguityError
// listing the candidates when several do.
func (r *Registry) LookupByName(name string, owner uuid.UUID, scopes ...Scope) (*Definition, error) {
	found := r.FindAll(name, scopes...)
	switch len(found) {
	case 0:
		return nil, &NotFoundError{Name: name, Owner: owner}
	case 1:
		return found[0], nil
	default:
		cands := make([]string, len(found))
		for i, d := range found {
			cands[i] = d.name
		}
		return nil, &AmbiguityError{Name: name, Candidates: cands}
	}
}

// Init eagerly builds the static model called name for owner.
func (r *Registry) Init(ctx context.Context, name string, owner Owner, cfg Config) (any, error) {
	def, err := r.LookupByName(name, owner.ID(), Static)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, def, owner, nil, cfg)
}

// inherit copies the nearest ancestor's built static model for key.Def into
// key, so that DeleteAll(key.Owner) drops it with the owner's own models.
func (r *Registry) inherit(key Key, owner any) (*entry, bool) {
	if key.Scope != Static {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ancestorEntryLocked(key.Def, owner)
	if !ok {
		return nil, false
	}
	r.entries[key] = &entry{value: e.value, built: true, def: e.def}
	return e, true
}

func (r *Registry) ancestorEntryLocked(def *Definition, owner any) (*entry, bool) {
	a, ok := owner.(Ancestry)
	if !ok {
		return nil, false
	}
	for id := range a.Ancestors() {
		if e, ok := r.entries[Key{Scope: def.scope, Owner: id, Def: def}]; ok && e.built {
			return e, true
		}
	}
	return nil, false
}

// ImportInto makes the per-chain model called name, as held by from or
// inherited from its ancestors, available to to. A built model is shared;
// an unbuilt one is imported as a placeholder and built separately for to
// on first access.
func (r *Registry) ImportInto(name string, from Owner, to uuid.UUID) error {
	def, err := r.LookupByName(name, from.ID(), Static, Dynamic)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.entries[Key{Scope: def.scope, Owner: from.ID(), Def: def}]
	if !ok || !src.built {
		if e, found := r.ancestorEntryLocked(def, from); found {
			src, ok = e, true
		}
	}
	if !ok {
		src, ok = r.entries[Key{Scope: def.scope, Def: def}]
	}
	if !ok || src.def == nil {
		return &NotFoundError{Name: name, Owner: from.ID()}
	}
	r.entries[Key{Scope: def.scope, Owner: to, Def: def}] = &entry{value: src.value, built: src.built, def: src.def}
	return nil
}

// Exists reports whether a model is cached (or a placeholder is held) for key.
func (r *Registry) Exists(key Key) bool {
	_, ok := r.lookup(key)
	return ok
}

// Delete removes a single cached model.
func (r *Registry) Delete(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// DeleteAll removes every per-chain model owned by owner.
func (r *Registry) DeleteAll(owner uuid.UUID) {
	if owner == uuid.Nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		if k.Owner == owner {
			delete(r.entries, k)
		}
	}
	for k := range r.locks {
		if k.owner == owner {
			delete(r.locks, k)
		}
	}
}

// Len returns the number of cached entries, placeholders included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
