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
	"context"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"lostluck.dev/batchflow"
	"lostluck.dev/batchflow/batch"
)

type ints = *batch.Batch[int]

var errBroken = errors.New("broken unit")

func sum[E constraints.Integer | constraints.Float](xs []E) E {
	var s E
	for _, x := range xs {
		s += x
	}
	return s
}

// mapItems returns a copy of b with f applied to every element.
func mapItems(b ints, f func(int) int) ints {
	out := &batch.Batch[int]{Idx: b.Idx, Items: make([]int, len(b.Items))}
	for i, x := range b.Items {
		out.Items[i] = f(x)
	}
	return out
}

func intOps() batchflow.Actions[ints] {
	return batchflow.Actions[ints]{
		"add": {Fn: func(_ context.Context, b ints, call *batchflow.Call[ints]) (ints, error) {
			n := call.Args[0].(int)
			return mapItems(b, func(x int) int { return x + n }), nil
		}},
		"mul": {Fn: func(_ context.Context, b ints, call *batchflow.Call[ints]) (ints, error) {
			n := call.Args[0].(int)
			return mapItems(b, func(x int) int { return x * n }), nil
		}},
		"jitter": {Fn: func(ctx context.Context, b ints, _ *batchflow.Call[ints]) (ints, error) {
			select {
			case <-time.After(time.Duration(rand.IntN(3)) * time.Millisecond):
			case <-ctx.Done():
				return b, ctx.Err()
			}
			return b, nil
		}},
		"skipOdd": {Fn: func(_ context.Context, b ints, _ *batchflow.Call[ints]) (ints, error) {
			if b.Idx%2 == 1 {
				return b, batchflow.ErrSkipUnit
			}
			return b, nil
		}},
		"failAt": {Fn: func(_ context.Context, b ints, call *batchflow.Call[ints]) (ints, error) {
			if b.Idx == call.Args[0].(int) {
				return b, errBroken
			}
			return b, nil
		}},
		"addJoined": {Fn: func(_ context.Context, b ints, call *batchflow.Call[ints]) (ints, error) {
			out := b
			for _, j := range call.Joined {
				out = mapItems(out, func(x int) int { return x + sum(j.Items) })
			}
			return out, nil
		}},
	}
}

// sliceSource serves fixed batches in order.
type sliceSource struct {
	batches []ints

	mu   sync.Mutex
	next int
}

func newSliceSource(sizes ...int) *sliceSource {
	s := &sliceSource{}
	v := 0
	for i, n := range sizes {
		b := &batch.Batch[int]{Idx: i}
		for range n {
			b.Items = append(b.Items, v)
			v++
		}
		s.batches = append(s.batches, b)
	}
	return s
}

func (s *sliceSource) NextUnit(context.Context) (ints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.batches) {
		return nil, io.EOF
	}
	s.next++
	return s.batches[s.next-1], nil
}

func (s *sliceSource) CreateUnit(_ context.Context, index any) (ints, error) {
	i := index.(int)
	if i < 0 || i >= len(s.batches) {
		return nil, errors.Errorf("no batch %d", i)
	}
	return s.batches[i], nil
}

// dataset returns n single element batches holding 0 to n-1.
func dataset(n int) *batch.Dataset[int] {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return batch.NewDataset(items, 1)
}

func collect(t *testing.T, ch *batchflow.Chain[ints], opts ...batchflow.Options) []ints {
	t.Helper()
	var got []ints
	for b, err := range ch.Units(context.Background(), opts...) {
		if err != nil {
			t.Fatalf("Units: %v", err)
		}
		got = append(got, b)
	}
	return got
}

func items(bs []ints) [][]int {
	var out [][]int
	for _, b := range bs {
		out = append(out, slices.Clone(b.Items))
	}
	return out
}

func indices(bs []ints) []int {
	var out []int
	for _, b := range bs {
		out = append(out, b.Idx)
	}
	return out
}

func unit(xs ...int) ints {
	return &batch.Batch[int]{Items: xs}
}
