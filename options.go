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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"lostluck.dev/batchflow/internal/flowopts"
	"lostluck.dev/batchflow/internal/prefetch"
	"lostluck.dev/batchflow/models"
	"lostluck.dev/batchflow/parallel"
)

// Options configure New, Run, Units and Lazy with specific features.
// Each function takes a variadic list of options, where properties
// set in later options override the value of previously set properties.
type Options = flowopts.Options

// ErrorPolicy decides what a prefetching run does with a unit whose actions
// failed.
type ErrorPolicy = prefetch.ErrorPolicy

const (
	// DropAndLog logs the failure and moves on to the next unit.
	DropAndLog = prefetch.DropAndLog
	// Propagate returns the failure to the caller and ends the run.
	Propagate = prefetch.Propagate
)

// Name sets the name of the chain or run, typically to make its logs and
// metrics easier to find.
func Name(name string) Options {
	return &flowopts.Struct{
		Name: name,
	}
}

// Prefetch sets the look-ahead depth of a run: up to n units execute while
// the caller consumes earlier ones. Zero runs every unit in sequence on the
// caller's goroutine.
func Prefetch(n int) Options {
	return &flowopts.Struct{
		Prefetch:    n,
		HasPrefetch: true,
	}
}

// Workers sets the size of the pool executing prefetched units. The default
// is one more than the look-ahead depth.
func Workers(n int) Options {
	return &flowopts.Struct{
		Workers: n,
	}
}

// Target selects how prefetched units execute: Threads (the default), Tasks
// or Sequential. Processes cannot run chains.
func Target(t parallel.Target) Options {
	return &flowopts.Struct{
		Target: t,
	}
}

// Timeout bounds the wait for each prefetched unit. Units that take longer
// fail with ErrTimeout.
func Timeout(d time.Duration) Options {
	return &flowopts.Struct{
		Timeout: d,
	}
}

// OnUnitError sets the policy for units whose actions fail during a
// prefetching run. The default is DropAndLog.
func OnUnitError(p ErrorPolicy) Options {
	return &flowopts.Struct{
		OnUnitError: p,
	}
}

// Logger sets the logger for the chain and its runs.
func Logger(l *slog.Logger) Options {
	return &flowopts.Struct{
		Logger: l,
	}
}

// Metrics registers the run's prefetch metrics with reg.
func Metrics(reg prometheus.Registerer) Options {
	return &flowopts.Struct{
		Metrics: reg,
	}
}

// Config sets the chain configuration. Keys name models, or suffixes of
// their qualified names, and values are the models' parameters.
func Config(cfg models.Config) Options {
	return &flowopts.Struct{
		Config: cfg,
	}
}

// Models sets the registry the chain resolves its models from. Chains
// without one get a private registry.
func Models(reg *models.Registry) Options {
	return &flowopts.Struct{
		Models: reg,
	}
}
