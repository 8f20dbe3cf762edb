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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"lostluck.dev/batchflow"
	"lostluck.dev/batchflow/internal/prefetch"
	"lostluck.dev/batchflow/parallel"
)

func TestUnitsKeepSourceOrder(t *testing.T) {
	for _, depth := range []int{0, 1, 4, 16} {
		ch := batchflow.New[ints](dataset(50), intOps()).Do("jitter").Do("add", 100)
		got := collect(t, ch, batchflow.Prefetch(depth))
		want := make([][]int, 50)
		for i := range want {
			want[i] = []int{i + 100}
		}
		if d := cmp.Diff(want, items(got)); d != "" {
			t.Errorf("prefetch %d: units diff (-want, +got):\n%v", depth, d)
		}
	}
}

func TestTargets(t *testing.T) {
	for _, target := range []parallel.Target{parallel.Threads, parallel.Tasks, parallel.Sequential} {
		t.Run(target.String(), func(t *testing.T) {
			ch := batchflow.New[ints](dataset(20), intOps()).Do("jitter").Do("mul", 2)
			got := collect(t, ch, batchflow.Prefetch(3), batchflow.Workers(2), batchflow.Target(target))
			if want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}; !slices.Equal(indices(got), want) {
				t.Errorf("indices = %v, want %v", indices(got), want)
			}
		})
	}
}

func TestSkipUnit(t *testing.T) {
	for _, depth := range []int{0, 3} {
		ch := batchflow.New[ints](dataset(10), intOps()).Do("skipOdd")
		got := collect(t, ch, batchflow.Prefetch(depth))
		if want := []int{0, 2, 4, 6, 8}; !slices.Equal(indices(got), want) {
			t.Errorf("prefetch %d: indices = %v, want %v", depth, indices(got), want)
		}
	}
}

func TestUnitErrorPolicies(t *testing.T) {
	t.Run("dropAndLog", func(t *testing.T) {
		var buf bytes.Buffer
		ch := batchflow.New[ints](dataset(10), intOps(), batchflow.Logger(slog.New(slog.NewJSONHandler(&buf, nil)))).Do("failAt", 3)
		got := collect(t, ch, batchflow.Prefetch(2))
		if want := []int{0, 1, 2, 4, 5, 6, 7, 8, 9}; !slices.Equal(indices(got), want) {
			t.Errorf("indices = %v, want %v", indices(got), want)
		}
		for _, want := range []string{"unit dropped", "broken unit", ch.ID().String()} {
			if !strings.Contains(buf.String(), want) {
				t.Errorf("log output missing %q:\n%s", want, buf.String())
			}
		}
	})
	for _, test := range []struct {
		name string
		opts []batchflow.Options
	}{
		{"propagate", []batchflow.Options{batchflow.Prefetch(2), batchflow.OnUnitError(batchflow.Propagate)}},
		{"sequential", []batchflow.Options{batchflow.Prefetch(0)}},
	} {
		t.Run(test.name, func(t *testing.T) {
			ch := batchflow.New[ints](dataset(10), intOps()).Do("failAt", 3)
			var got []int
			var err error
			for b, uerr := range ch.Units(context.Background(), test.opts...) {
				if uerr != nil {
					err = uerr
					break
				}
				got = append(got, b.Idx)
			}
			if !errors.Is(err, errBroken) {
				t.Errorf("Units error = %v, want %v", err, errBroken)
			}
			if want := []int{0, 1, 2}; !slices.Equal(got, want) {
				t.Errorf("indices before the failure = %v, want %v", got, want)
			}
			if err := ch.Run(context.Background(), test.opts...); !errors.Is(err, errBroken) {
				t.Errorf("Run error = %v, want %v", err, errBroken)
			}
		})
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	tests := map[string]batchflow.Options{
		"negativePrefetch": batchflow.Prefetch(-1),
		"negativeWorkers":  batchflow.Workers(-1),
		"processes":        batchflow.Target(parallel.Processes),
	}
	for name, opt := range tests {
		t.Run(name, func(t *testing.T) {
			ch := batchflow.New[ints](dataset(3), intOps()).Do("add", 1)
			var ce *batchflow.ConfigurationError
			if err := ch.Run(context.Background(), opt); !errors.As(err, &ce) {
				t.Errorf("Run error = %v, want *ConfigurationError", err)
			}
		})
	}
}

func TestNoSource(t *testing.T) {
	ch := batchflow.New[ints](nil, intOps()).Do("add", 1)
	if err := ch.Run(context.Background()); err == nil {
		t.Error("Run without a source succeeded, want error")
	}
	got := collect(t, ch.WithSource(dataset(2)))
	if d := cmp.Diff([][]int{{1}, {2}}, items(got)); d != "" {
		t.Errorf("units diff (-want, +got):\n%v", d)
	}
}

func TestTimeout(t *testing.T) {
	ops := intOps()
	ops["slow"] = batchflow.Action[ints]{Fn: func(ctx context.Context, b ints, _ *batchflow.Call[ints]) (ints, error) {
		if b.Idx == 1 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		return b, nil
	}}
	ch := batchflow.New[ints](dataset(4), ops).Do("slow")
	err := ch.Run(context.Background(), batchflow.Prefetch(2), batchflow.Timeout(20*time.Millisecond), batchflow.OnUnitError(batchflow.Propagate))
	if !errors.Is(err, batchflow.ErrTimeout) {
		t.Errorf("Run error = %v, want %v", err, batchflow.ErrTimeout)
	}
}

func TestRebatch(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		size  int
		depth int
		want  [][]int
	}{
		{"even", []int{3, 4, 5}, 4, 0, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}},
		{"evenPrefetched", []int{3, 4, 5}, 4, 2, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}}},
		{"shortTail", []int{3, 4, 5}, 5, 1, [][]int{{0, 1, 2, 3, 4}, {5, 6, 7, 8, 9}, {10, 11}}},
		{"larger", []int{1, 1, 1, 1, 1}, 2, 3, [][]int{{0, 1}, {2, 3}, {4}}},
		{"emptyUnits", []int{0, 2, 0, 2}, 3, 0, [][]int{{0, 1, 2}, {3}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ch := batchflow.New[ints](newSliceSource(test.sizes...), intOps()).Rebatch(test.size, nil)
			got := collect(t, ch, batchflow.Prefetch(test.depth))
			if d := cmp.Diff(test.want, items(got)); d != "" {
				t.Errorf("batches diff (-want, +got):\n%v", d)
			}
		})
	}

	t.Run("withActions", func(t *testing.T) {
		ch := batchflow.New[ints](newSliceSource(3, 4, 5), intOps()).Do("mul", 2).
			Rebatch(6, nil).Do("add", 1)
		got := collect(t, ch, batchflow.Prefetch(2))
		want := [][]int{{1, 3, 5, 7, 9, 11}, {13, 15, 17, 19, 21, 23}}
		if d := cmp.Diff(want, items(got)); d != "" {
			t.Errorf("batches diff (-want, +got):\n%v", d)
		}
	})

	if err := batchflow.New[ints](dataset(1), intOps()).Rebatch(0, nil).Err(); err == nil {
		t.Error("Rebatch(0) succeeded, want error")
	}
}

func TestJoin(t *testing.T) {
	other := batchflow.New[ints](dataset(5), intOps()).Do("mul", 10)
	ch := batchflow.New[ints](dataset(5), intOps()).Join(other).Do("addJoined")
	got := collect(t, ch, batchflow.Prefetch(3))
	if d := cmp.Diff([][]int{{0}, {11}, {22}, {33}, {44}}, items(got)); d != "" {
		t.Errorf("joined units diff (-want, +got):\n%v", d)
	}
}

func TestJoinNext(t *testing.T) {
	other := batchflow.New[ints](dataset(5), intOps()).Do("mul", 10)
	ch := batchflow.New[ints](dataset(5), intOps()).JoinNext(other).Do("addJoined")
	got := collect(t, ch)
	if d := cmp.Diff([][]int{{0}, {11}, {22}, {33}, {44}}, items(got)); d != "" {
		t.Errorf("joined units diff (-want, +got):\n%v", d)
	}
}

func TestMerge(t *testing.T) {
	other := batchflow.New[ints](dataset(3), intOps()).Do("add", 100)
	ch := batchflow.New[ints](dataset(3), intOps()).Merge(nil, other)
	got := collect(t, ch)
	if d := cmp.Diff([][]int{{0, 100}, {1, 101}, {2, 102}}, items(got)); d != "" {
		t.Errorf("merged units diff (-want, +got):\n%v", d)
	}

	first := func(units []ints, _ int) (ints, ints, error) { return units[0], nil, nil }
	ch = batchflow.New[ints](dataset(2), intOps()).Merge(first, batchflow.New[ints](dataset(2), intOps()))
	if d := cmp.Diff([][]int{{0}, {1}}, items(collect(t, ch))); d != "" {
		t.Errorf("custom merge diff (-want, +got):\n%v", d)
	}
}

func TestNextUnit(t *testing.T) {
	ctx := context.Background()
	base := batchflow.New[ints](dataset(6), intOps()).Do("add", 1)
	ch := base.Lazy(batchflow.Prefetch(2))
	if ch != base {
		t.Error("Lazy returned a different chain")
	}
	for want := 1; want <= 3; want++ {
		b, err := ch.NextUnit(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if b.Items[0] != want {
			t.Errorf("NextUnit = %v, want %v", b.Items[0], want)
		}
	}
	ch.Reset()
	ch.Reset()

	// The source moved on while prefetching: only what is left is served.
	n := 0
	for {
		_, err := ch.NextUnit(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n > 3 {
		t.Errorf("served %d units after Reset, want at most 3", n)
	}
	if _, err := ch.NextUnit(ctx); err != io.EOF {
		t.Errorf("NextUnit after the end = %v, want io.EOF", err)
	}
	ch.Close()
}

func TestResetUnblocksNextUnit(t *testing.T) {
	for _, depth := range []int{0, 2} {
		t.Run(fmt.Sprintf("prefetch%d", depth), func(t *testing.T) {
			ops := intOps()
			ops["block"] = batchflow.Action[ints]{Fn: func(ctx context.Context, b ints, _ *batchflow.Call[ints]) (ints, error) {
				<-ctx.Done()
				return b, ctx.Err()
			}}
			ch := batchflow.New[ints](dataset(5), ops).Do("block").Lazy(batchflow.Prefetch(depth))
			defer ch.Close()

			errc := make(chan error, 1)
			go func() {
				_, err := ch.NextUnit(context.Background())
				errc <- err
			}()
			time.Sleep(20 * time.Millisecond)
			ch.Reset()
			select {
			case err := <-errc:
				if err != io.EOF {
					t.Errorf("NextUnit after Reset = %v, want io.EOF", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("NextUnit still blocked after Reset")
			}
		})
	}
}

func TestCreateUnit(t *testing.T) {
	ch := batchflow.New[ints](dataset(5), intOps()).Do("mul", 3)
	b, err := ch.CreateUnit(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	if b.Items[0] != 12 {
		t.Errorf("CreateUnit(4) = %v, want 12", b.Items[0])
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ch := batchflow.New[ints](dataset(10), intOps(), batchflow.Name("metered")).Do("skipOdd")
	got := collect(t, ch, batchflow.Prefetch(2), batchflow.Metrics(reg))
	if len(got) != 5 {
		t.Errorf("got %d units, want 5", len(got))
	}
	m, err := prefetch.NewMetrics(reg, "metered")
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.Units.WithLabelValues(prefetch.OutcomeDelivered)); got != 5 {
		t.Errorf("delivered count = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.Units.WithLabelValues(prefetch.OutcomeSkipped)); got != 5 {
		t.Errorf("skipped count = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Errorf("in flight gauge = %v, want 0", got)
	}
}
