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

package parallel

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Loop is a cooperative scheduler: of the tasks sharing a Loop only one runs
// at a time, and a running task yields the loop by calling Await.
type Loop struct {
	sem *semaphore.Weighted
}

// NewLoop returns an idle loop.
func NewLoop() *Loop {
	return &Loop{sem: semaphore.NewWeighted(1)}
}

type loopKey struct{}

func withLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// LoopFrom returns the loop the calling task runs on, if any.
func LoopFrom(ctx context.Context) (*Loop, bool) {
	l, ok := ctx.Value(loopKey{}).(*Loop)
	return l, ok
}

// Run executes fn as a task of the loop, waiting until the loop is free.
// fn receives a context through which Await can find the loop.
func (l *Loop) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(withLoop(ctx, l))
}

// Await suspends the calling task while fn runs, letting other tasks of the
// same loop proceed, and resumes it once fn returns and the loop is free.
// Outside a task fn simply runs.
func Await(ctx context.Context, fn func(context.Context) error) error {
	l, ok := LoopFrom(ctx)
	if !ok {
		return fn(ctx)
	}
	l.sem.Release(1)
	err := fn(ctx)
	// Reacquire even when ctx is done: the caller's run releases on return.
	if aerr := l.sem.Acquire(context.WithoutCancel(ctx), 1); aerr != nil && err == nil {
		err = aerr
	}
	return err
}
