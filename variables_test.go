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

package batchflow_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lostluck.dev/batchflow"
)

func TestVariables(t *testing.T) {
	var buf bytes.Buffer
	ch := batchflow.New[ints](nil, intOps(), batchflow.Logger(slog.New(slog.NewJSONHandler(&buf, nil)))).
		InitVariable("count", batchflow.Var{Default: 10}).
		InitVariable("history", batchflow.Var{Init: func() any { return []int{} }})

	if got := ch.Variable("count"); got != 10 {
		t.Errorf("Variable(count) = %v, want 10", got)
	}
	// Existing variables are not redeclared.
	ch.InitVariable("count", batchflow.Var{Default: 99})
	if got := ch.Variable("count"); got != 10 {
		t.Errorf("Variable(count) after redeclaring = %v, want 10", got)
	}
	if d := cmp.Diff([]int{}, ch.Variable("history")); d != "" {
		t.Errorf("Variable(history) diff (-want, +got):\n%v", d)
	}

	if ch.HasVariable("fresh") {
		t.Error("HasVariable(fresh) = true before use")
	}
	if got := ch.Variable("fresh"); got != nil {
		t.Errorf("Variable(fresh) = %v, want nil", got)
	}
	if !ch.HasVariable("fresh") {
		t.Error("HasVariable(fresh) = false after Variable declared it")
	}

	ch.SetVariable("undeclared", "x")
	if got := ch.Variable("undeclared"); got != "x" {
		t.Errorf("Variable(undeclared) = %v, want x", got)
	}
	if !strings.Contains(buf.String(), "chain variable was not initialized") {
		t.Errorf("no warning for setting an undeclared variable:\n%s", buf.String())
	}

	ch.DeleteVariable("undeclared")
	if ch.HasVariable("undeclared") {
		t.Error("HasVariable(undeclared) = true after DeleteVariable")
	}
}

func TestVariablesAreShared(t *testing.T) {
	a := batchflow.New[ints](nil, intOps()).InitVariable("v", batchflow.Var{Default: 1})
	b := a.Do("add", 1)
	b.SetVariable("v", 2)
	if got := a.Variable("v"); got != 2 {
		t.Errorf("parent sees %v, want 2", got)
	}
	c := batchflow.Concat(b, batchflow.New[ints](nil, intOps()).InitVariable("w", batchflow.Var{Default: 3}))
	c.SetVariable("v", 4)
	if got := a.Variable("v"); got != 4 {
		t.Errorf("parent of a concatenation sees %v, want 4", got)
	}
	if a.HasVariable("w") {
		t.Error("variables of the other operand leaked into the parent")
	}
}

func TestVariablesReinitializedEachRun(t *testing.T) {
	ops := intOps()
	ops["count"] = batchflow.Action[ints]{
		Lock: "count_lock",
		Fn: func(_ context.Context, b ints, call *batchflow.Call[ints]) (ints, error) {
			call.Chain.SetVariable("seen", call.Chain.Variable("seen").(int)+1)
			call.Chain.SetVariable("total", call.Chain.Variable("total").(int)+1)
			return b, nil
		},
	}
	ch := batchflow.New[ints](nil, ops).
		InitVariable("seen", batchflow.Var{Default: 0, InitOnEachRun: true}).
		InitVariable("total", batchflow.Var{Default: 0}).
		Do("count")

	for run := 1; run <= 2; run++ {
		if err := ch.WithSource(dataset(100)).Run(context.Background(), batchflow.Prefetch(8)); err != nil {
			t.Fatal(err)
		}
		if got := ch.Variable("seen"); got != 100 {
			t.Errorf("run %d: seen = %v, want 100", run, got)
		}
		if got := ch.Variable("total"); got != 100*run {
			t.Errorf("run %d: total = %v, want %v", run, got, 100*run)
		}
	}
	ch.Reset()
	if got := ch.Variable("seen"); got != 0 {
		t.Errorf("seen after Reset = %v, want 0", got)
	}
}
