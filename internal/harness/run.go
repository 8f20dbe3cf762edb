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

// Package harness carries the per-run context of a chain's execution.
package harness

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// RunContext identifies one run of a chain and holds its logger.
type RunContext struct {
	ID    uuid.UUID
	Chain uuid.UUID
	Name  string

	logger *slog.Logger
}

// NewRunContext starts a run of the named chain. A nil logger logs to
// slog.Default.
func NewRunContext(logger *slog.Logger, chain uuid.UUID, name string) *RunContext {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	attrs := []any{slog.String("run", id.String()), slog.String("chain", chain.String())}
	if name != "" {
		attrs = append(attrs, slog.String("name", name))
	}
	return &RunContext{
		ID:     id,
		Chain:  chain,
		Name:   name,
		logger: logger.With(attrs...),
	}
}

// Logger returns the run's logger.
func (rc *RunContext) Logger() *slog.Logger {
	return rc.logger
}

// LoggerForAction produces a logger for the named action of this run, so
// messages can be matched up with the action that emitted them.
func (rc *RunContext) LoggerForAction(action string) *slog.Logger {
	return rc.logger.With(slog.String("action", action))
}

type runKey struct{}

// WithRunContext returns a context carrying rc.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runKey{}, rc)
}

// FromContext returns the run carried by ctx, or nil.
func FromContext(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(runKey{}).(*RunContext)
	return rc
}
