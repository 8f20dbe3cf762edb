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

// Package batch provides a slice backed unit and an in-memory source of them.
package batch

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Batch is a unit holding consecutive elements of a dataset.
type Batch[E any] struct {
	// Idx is the position of the batch in its dataset. Merged batches keep
	// the position of their first part.
	Idx   int
	Items []E
}

// Index returns the batch position, for joins by index.
func (b *Batch[E]) Index() any { return b.Idx }

// Len returns the number of elements.
func (b *Batch[E]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Items)
}

// Merge concatenates the elements of units and splits them after size
// elements. The remainder is nil when nothing is left over. A size of zero
// keeps every element.
func (b *Batch[E]) Merge(units []*Batch[E], size int) (*Batch[E], *Batch[E], error) {
	if len(units) == 0 {
		return nil, nil, errors.New("batch: nothing to merge")
	}
	var items []E
	for _, u := range units {
		if u != nil {
			items = append(items, u.Items...)
		}
	}
	idx := units[0].Idx
	if size <= 0 || len(items) <= size {
		return &Batch[E]{Idx: idx, Items: items}, nil, nil
	}
	return &Batch[E]{Idx: idx, Items: items[:size:size]}, &Batch[E]{Idx: idx, Items: items[size:]}, nil
}

// Dataset serves a slice as batches of a fixed size, in order. The last
// batch may be short.
type Dataset[E any] struct {
	items []E
	size  int

	mu   sync.Mutex
	next int
}

// NewDataset returns a dataset over items. A size below one serves single
// element batches.
func NewDataset[E any](items []E, size int) *Dataset[E] {
	return &Dataset[E]{items: items, size: max(size, 1)}
}

// Batches returns the number of batches in the dataset.
func (d *Dataset[E]) Batches() int {
	return (len(d.items) + d.size - 1) / d.size
}

// NextUnit returns the following batch, or io.EOF after the last one.
func (d *Dataset[E]) NextUnit(ctx context.Context) (*Batch[E], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	i := d.next
	if i >= d.Batches() {
		d.mu.Unlock()
		return nil, io.EOF
	}
	d.next++
	d.mu.Unlock()
	return d.batch(i), nil
}

// CreateUnit returns the batch at index, an int.
func (d *Dataset[E]) CreateUnit(_ context.Context, index any) (*Batch[E], error) {
	i, ok := index.(int)
	if !ok {
		return nil, errors.Errorf("batch: index must be an int, got %T", index)
	}
	if i < 0 || i >= d.Batches() {
		return nil, errors.Errorf("batch: index %d out of range [0, %d)", i, d.Batches())
	}
	return d.batch(i), nil
}

// Reset starts the dataset over.
func (d *Dataset[E]) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = 0
}

func (d *Dataset[E]) batch(i int) *Batch[E] {
	lo := i * d.size
	hi := min(lo+d.size, len(d.items))
	return &Batch[E]{Idx: i, Items: slices.Clone(d.items[lo:hi])}
}
