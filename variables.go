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
	"log/slog"
	"maps"
	"sync"
)

// Var declares a chain variable.
type Var struct {
	Default any
	// Init, when set, produces the initial value instead of Default.
	Init func() any
	// InitOnEachRun re-initializes the variable at the start of every run.
	InitOnEachRun bool
}

func (v Var) initial() any {
	if v.Init != nil {
		return v.Init()
	}
	return v.Default
}

type variable struct {
	decl Var

	mu    sync.Mutex
	value any
}

func (v *variable) get() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

func (v *variable) set(val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = val
}

// varStore is shared by a chain and every chain derived from it.
type varStore struct {
	mu   sync.Mutex
	vars map[string]*variable
}

func newVarStore() *varStore {
	return &varStore{vars: map[string]*variable{}}
}

// mergeStores returns a store holding the variables of a and b. Variables
// keep their identity, so writes through either side are seen by both.
func mergeStores(a, b *varStore) *varStore {
	m := newVarStore()
	b.mu.Lock()
	maps.Copy(m.vars, b.vars)
	b.mu.Unlock()
	a.mu.Lock()
	maps.Copy(m.vars, a.vars)
	a.mu.Unlock()
	return m
}

func (s *varStore) lookup(name string) (*variable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vars[name]
	return v, ok
}

// declare creates the variable unless it already exists, and returns it.
func (s *varStore) declare(name string, decl Var) *variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vars[name]; ok {
		return v
	}
	v := &variable{decl: decl, value: decl.initial()}
	s.vars[name] = v
	return v
}

func (s *varStore) delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vars[name]
	delete(s.vars, name)
	return ok
}

func (s *varStore) initOnRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.vars {
		if v.decl.InitOnEachRun {
			v.set(v.decl.initial())
		}
	}
}

// InitVariable declares a variable unless one of that name exists, and
// returns c for chaining.
func (c *Chain[U]) InitVariable(name string, decl Var) *Chain[U] {
	c.vars.declare(name, decl)
	return c
}

// Variable returns the value of the named variable, declaring it with a nil
// value when it does not exist.
func (c *Chain[U]) Variable(name string) any {
	return c.vars.declare(name, Var{}).get()
}

// SetVariable sets the value of the named variable. Setting an undeclared
// variable declares it and logs a warning.
//
// Individual reads and writes are synchronized, but a read followed by a
// write from concurrently executing units is not: the last writer wins.
func (c *Chain[U]) SetVariable(name string, value any) {
	v, ok := c.vars.lookup(name)
	if !ok {
		c.logger.Warn("chain variable was not initialized", slog.String("variable", name))
		v = c.vars.declare(name, Var{})
	}
	v.set(value)
}

// DeleteVariable removes the named variable.
func (c *Chain[U]) DeleteVariable(name string) {
	if !c.vars.delete(name) {
		c.logger.Warn("deleting a chain variable that does not exist", slog.String("variable", name))
	}
}

// HasVariable reports whether the named variable exists.
func (c *Chain[U]) HasVariable(name string) bool {
	_, ok := c.vars.lookup(name)
	return ok
}

// mutex returns the *sync.Mutex held by the named variable, creating it on
// first use.
func (c *Chain[U]) mutex(name string) *sync.Mutex {
	v := c.vars.declare(name, Var{Init: func() any { return &sync.Mutex{} }})
	v.mu.Lock()
	defer v.mu.Unlock()
	mu, ok := v.value.(*sync.Mutex)
	if !ok {
		mu = &sync.Mutex{}
		v.value = mu
	}
	return mu
}
