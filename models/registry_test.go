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
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

type testOwner struct {
	id  uuid.UUID
	cfg Config
}

func (o *testOwner) ID() uuid.UUID  { return o.id }
func (o *testOwner) Config() Config { return o.cfg }

func newOwner(cfg Config) *testOwner {
	return &testOwner{id: uuid.New(), cfg: cfg}
}

type derivedOwner struct {
	*testOwner
	ancestors []uuid.UUID
}

func (o *derivedOwner) Ancestors() iter.Seq[uuid.UUID] { return slices.Values(o.ancestors) }

func TestDeclareGlobal(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	var builds int
	def, err := r.Declare(ctx, "vocab", Global, func(_ context.Context, owner any, _ Config) (any, error) {
		builds++
		if owner != nil {
			t.Errorf("global builder got owner %v, want nil", owner)
		}
		return []string{"a", "b"}, nil
	})
	if err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if builds != 1 {
		t.Errorf("global model built %d times at declaration, want 1", builds)
	}
	for range 3 {
		got, err := r.Resolve(ctx, def, newOwner(nil), nil, nil)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if d := cmp.Diff([]string{"a", "b"}, got); d != "" {
			t.Errorf("Resolve diff (-want, +got):\n%v", d)
		}
	}
	if builds != 1 {
		t.Errorf("global model built %d times, want 1", builds)
	}
}

func TestDeclareGlobalError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry(nil)
	_, err := r.Declare(context.Background(), "broken", Global, func(context.Context, any, Config) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Declare error = %v, want wrapping %v", err, boom)
	}
	if got := r.Len(); got != 0 {
		t.Errorf("Len after failed declaration = %d, want 0", got)
	}
}

func namedBuilder(context.Context, any, Config) (any, error) { return "named", nil }

func TestDeclareDerivesName(t *testing.T) {
	r := NewRegistry(nil)
	def, err := r.Declare(context.Background(), "", Static, namedBuilder)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := def.Name(), "lostluck.dev/batchflow/models.namedBuilder"; got != want {
		t.Errorf("derived name = %q, want %q", got, want)
	}
	if _, err := r.LookupByName("models.namedBuilder", uuid.Nil); err != nil {
		t.Errorf("LookupByName(suffix) = %v, want success", err)
	}
}

func TestResolveBuildsOncePerOwner(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	var builds atomic.Int32
	def, err := r.Declare(ctx, "encoder", Static, func(_ context.Context, owner any, _ Config) (any, error) {
		builds.Add(1)
		return owner.(*testOwner).id, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	owner := newOwner(nil)
	const callers = 100
	results := make([]any, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := r.Resolve(ctx, def, owner, nil, nil)
			if err != nil {
				t.Errorf("Resolve: %v", err)
			}
			results[i] = v
		}()
	}
	wg.Wait()
	if got := builds.Load(); got != 1 {
		t.Errorf("builder ran %d times for one owner, want 1", got)
	}
	for i, v := range results {
		if v != owner.id {
			t.Errorf("caller %d got %v, want %v", i, v, owner.id)
		}
	}

	other := newOwner(nil)
	if _, err := r.Resolve(ctx, def, other, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := builds.Load(); got != 2 {
		t.Errorf("builder ran %d times for two owners, want 2", got)
	}
}

func TestResolveDynamicGetsUnit(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	def, err := r.Declare(ctx, "shape", Dynamic, func(_ context.Context, self any, _ Config) (any, error) {
		return len(self.([]int)), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	owner := newOwner(nil)
	got, err := r.Resolve(ctx, def, owner, []int{1, 2, 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("dynamic model = %v, want 3", got)
	}
	// Later units see the model built from the first one.
	got, _ = r.Resolve(ctx, def, owner, []int{1}, nil)
	if got != 3 {
		t.Errorf("second resolve = %v, want cached 3", got)
	}
}

func TestResolveConfig(t *testing.T) {
	ctx := context.Background()
	var gotCfg Config
	build := func(_ context.Context, _ any, cfg Config) (any, error) {
		gotCfg = cfg
		return nil, nil
	}

	tests := []struct {
		name     string
		chainCfg Config
		callCfg  Config
		want     Config
	}{
		{
			name: "none",
			want: Config{},
		}, {
			name:     "suffix",
			chainCfg: Config{"classifier": map[string]any{"loss": "ce", "lr": 0.1}},
			want:     Config{"loss": "ce", "lr": 0.1},
		}, {
			name:     "callWins",
			chainCfg: Config{"classifier": Config{"loss": "ce", "lr": 0.1}},
			callCfg:  Config{"lr": 0.5},
			want:     Config{"loss": "ce", "lr": 0.5},
		}, {
			name:     "unrelated",
			chainCfg: Config{"encoder": Config{"loss": "mse"}},
			callCfg:  Config{"lr": 0.5},
			want:     Config{"lr": 0.5},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := NewRegistry(nil)
			def, err := r.Declare(ctx, "example.com/nets.classifier", Static, build)
			if err != nil {
				t.Fatal(err)
			}
			gotCfg = nil
			if _, err := r.Resolve(ctx, def, newOwner(test.chainCfg), nil, test.callCfg); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if d := cmp.Diff(test.want, gotCfg); d != "" {
				t.Errorf("builder config diff (-want, +got):\n%v", d)
			}
		})
	}
}

func TestResolveAmbiguousConfig(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	def, err := r.Declare(ctx, "example.com/nets.classifier", Static, func(context.Context, any, Config) (any, error) {
		t.Error("builder ran despite ambiguous config")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	owner := newOwner(Config{"classifier": nil, "nets.classifier": nil})
	_, err = r.Resolve(ctx, def, owner, nil, nil)
	var ace *AmbiguousConfigError
	if !errors.As(err, &ace) {
		t.Fatalf("Resolve error = %v, want *AmbiguousConfigError", err)
	}
	if d := cmp.Diff([]string{"classifier", "nets.classifier"}, ace.Keys); d != "" {
		t.Errorf("ambiguous keys diff (-want, +got):\n%v", d)
	}
}

func TestLookupByName(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	noop := func(context.Context, any, Config) (any, error) { return nil, nil }
	for _, n := range []string{"a.model", "b.model", "c.other"} {
		if _, err := r.Declare(ctx, n, Static, noop); err != nil {
			t.Fatal(err)
		}
	}

	if def, err := r.LookupByName("other", uuid.Nil); err != nil || def.Name() != "c.other" {
		t.Errorf("LookupByName(other) = %v, %v; want c.other", def, err)
	}

	_, err := r.LookupByName("model", uuid.Nil)
	var ae *AmbiguityError
	if !errors.As(err, &ae) {
		t.Fatalf("LookupByName(model) error = %v, want *AmbiguityError", err)
	}
	if d := cmp.Diff([]string{"a.model", "b.model"}, ae.Candidates); d != "" {
		t.Errorf("candidates diff (-want, +got):\n%v", d)
	}

	_, err = r.LookupByName("missing", uuid.Nil)
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Errorf("LookupByName(missing) error = %v, want *NotFoundError", err)
	}

	if _, err := r.LookupByName("other", uuid.Nil, Dynamic); !errors.As(err, &nfe) {
		t.Errorf("LookupByName(other, Dynamic) error = %v, want *NotFoundError", err)
	}
}

func TestImportAndDelete(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	var builds int
	def, err := r.Declare(ctx, "shared", Static, func(context.Context, any, Config) (any, error) {
		builds++
		return builds, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	from, to := newOwner(nil), newOwner(nil)
	if _, err := r.Init(ctx, "shared", from, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.ImportInto("shared", from, to.ID()); err != nil {
		t.Fatalf("ImportInto: %v", err)
	}
	got, err := r.Resolve(ctx, def, to, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 || builds != 1 {
		t.Errorf("imported model = %v after %d builds, want 1 after 1", got, builds)
	}

	r.DeleteAll(to.ID())
	if r.Exists(Key{Scope: Static, Owner: to.ID(), Def: def}) {
		t.Error("model still cached after DeleteAll")
	}
	if !r.Exists(Key{Scope: Static, Owner: from.ID(), Def: def}) {
		t.Error("DeleteAll removed another owner's model")
	}

	var nfe *NotFoundError
	if err := r.ImportInto("nope", from, to.ID()); !errors.As(err, &nfe) {
		t.Errorf("ImportInto(nope) = %v, want *NotFoundError", err)
	}
}

func TestResolveInheritsFromAncestors(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	var builds atomic.Int32
	def, err := r.Declare(ctx, "m", Static, func(_ context.Context, owner any, _ Config) (any, error) {
		builds.Add(1)
		return owner.(Owner).ID(), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	parent := newOwner(nil)
	if _, err := r.Resolve(ctx, def, parent, nil, nil); err != nil {
		t.Fatal(err)
	}
	// Deriving alone adds nothing to the registry.
	child := &derivedOwner{testOwner: newOwner(nil), ancestors: []uuid.UUID{uuid.New(), parent.ID()}}
	before := r.Len()

	got, err := r.Resolve(ctx, def, child, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != parent.ID() {
		t.Errorf("child model = %v, want parent's %v", got, parent.ID())
	}
	if got := builds.Load(); got != 1 {
		t.Errorf("model built %d times, want 1", got)
	}
	if got, want := r.Len(), before+1; got != want {
		t.Errorf("Len after inheriting = %d, want %d", got, want)
	}

	r.DeleteAll(child.ID())
	if got := r.Len(); got != before {
		t.Errorf("Len after DeleteAll(child) = %d, want %d", got, before)
	}
	if !r.Exists(Key{Scope: Static, Owner: parent.ID(), Def: def}) {
		t.Error("DeleteAll(child) removed the parent's model")
	}

	orphan := &derivedOwner{testOwner: newOwner(nil), ancestors: []uuid.UUID{uuid.New()}}
	if got, _ := r.Resolve(ctx, def, orphan, nil, nil); got != orphan.ID() {
		t.Errorf("orphan model = %v, want its own %v", got, orphan.ID())
	}
}

func TestImportIntoFromAncestor(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	def, err := r.Declare(ctx, "m", Static, func(_ context.Context, owner any, _ Config) (any, error) {
		return owner.(Owner).ID(), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	base := newOwner(nil)
	if _, err := r.Init(ctx, "m", base, nil); err != nil {
		t.Fatal(err)
	}
	from := &derivedOwner{testOwner: newOwner(nil), ancestors: []uuid.UUID{base.ID()}}
	to := newOwner(nil)
	if err := r.ImportInto("m", from, to.ID()); err != nil {
		t.Fatalf("ImportInto: %v", err)
	}
	if got, _ := r.Resolve(ctx, def, to, nil, nil); got != base.ID() {
		t.Errorf("imported model = %v, want %v", got, base.ID())
	}
}
