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

// Package synthetic produces units and load.
// Typically used for load testing, and for checking prefetch behaviour.
package synthetic

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"lostluck.dev/batchflow"
)

// Record is a generated unit of random key and value bytes.
type Record struct {
	Idx        int
	Key, Value []byte
}

// Index returns the record's position in the source.
func (r *Record) Index() any { return r.Idx }

// SourceConfig configures a Source.
type SourceConfig struct {
	NumRecords         int
	KeySize, ValueSize int
	// SleepPerRecord is the time taken to produce each record.
	SleepPerRecord time.Duration
	Seed           uint64
}

// Source generates NumRecords records. The bytes of a record depend only on
// the seed and its index, so CreateUnit reproduces what NextUnit returned.
type Source struct {
	cfg SourceConfig

	mu   sync.Mutex
	next int
}

// NewSource returns a source generating records per cfg.
func NewSource(cfg SourceConfig) *Source {
	return &Source{cfg: cfg}
}

// NextUnit returns the following record, or io.EOF after the last one.
func (s *Source) NextUnit(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	i := s.next
	if i >= s.cfg.NumRecords {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.next++
	s.mu.Unlock()
	return s.produce(ctx, i)
}

// CreateUnit returns the record at index, an int.
func (s *Source) CreateUnit(ctx context.Context, index any) (*Record, error) {
	i, ok := index.(int)
	if !ok || i < 0 || i >= s.cfg.NumRecords {
		return nil, errors.Errorf("synthetic: no record at index %v", index)
	}
	return s.produce(ctx, i)
}

// Reset starts the source over.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

func (s *Source) produce(ctx context.Context, i int) (*Record, error) {
	if err := sleep(ctx, s.cfg.SleepPerRecord); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(i)))
	r := &Record{Idx: i, Key: make([]byte, s.cfg.KeySize), Value: make([]byte, s.cfg.ValueSize)}
	fill(rng, r.Key)
	fill(rng, r.Value)
	return r, nil
}

func fill(rng *rand.Rand, b []byte) {
	for i := range b {
		b[i] = byte(rng.Uint32())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Step is an action whose cost and selectivity can be controlled with
// prespecified parameters.
type Step struct {
	PerUnitDelay time.Duration
	// Jitter adds up to this much random delay on top of PerUnitDelay.
	Jitter time.Duration
	// FilterRatio is the fraction of units skipped.
	FilterRatio float64
}

// Action returns the step as an action over units of any type. Filtered
// units are dropped with batchflow.ErrSkipUnit.
func Action[U any](s Step) batchflow.Action[U] {
	return batchflow.Action[U]{
		Fn: func(ctx context.Context, u U, _ *batchflow.Call[U]) (U, error) {
			d := s.PerUnitDelay
			if s.Jitter > 0 {
				d += rand.N(s.Jitter)
			}
			if err := sleep(ctx, d); err != nil {
				return u, err
			}
			if s.FilterRatio > 0 && rand.Float64() < s.FilterRatio {
				return u, batchflow.ErrSkipUnit
			}
			return u, nil
		},
	}
}
