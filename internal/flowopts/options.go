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

package flowopts

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"lostluck.dev/batchflow/internal"
	"lostluck.dev/batchflow/internal/prefetch"
	"lostluck.dev/batchflow/models"
	"lostluck.dev/batchflow/parallel"
)

// Options is the common options type shared across batchflow packages.
type Options interface {
	// FlowOptions is exported so related batchflow packages can implement Options.
	FlowOptions(internal.NotForPublicUse)
}

// Struct is the combination of all options in struct form.
// This is efficient to pass down the call stack and to query.
type Struct struct {
	Name string // The configured name of the chain or run. Otherwise it's autogenerated.

	Prefetch    int  // Look-ahead depth. Zero runs units strictly in sequence.
	HasPrefetch bool // Whether Prefetch was explicitly set.
	Workers     int  // Execution pool size override. Zero means Prefetch+1.
	Target      parallel.Target
	Timeout     time.Duration // Per unit wait timeout, zero waits forever.
	OnUnitError prefetch.ErrorPolicy

	Logger  *slog.Logger
	Metrics prometheus.Registerer

	Config models.Config
	Models *models.Registry
}

func (dst *Struct) FlowOptions(internal.NotForPublicUse) {}

func (dst *Struct) Join(srcs ...Options) {
	for _, src := range srcs {
		switch src := src.(type) {
		case *Struct:
			if src.Name != "" {
				dst.Name = src.Name
			}
			if src.HasPrefetch {
				dst.Prefetch = src.Prefetch
				dst.HasPrefetch = true
			}
			if src.Workers != 0 {
				dst.Workers = src.Workers
			}
			if src.Target != parallel.Unset {
				dst.Target = src.Target
			}
			if src.Timeout != 0 {
				dst.Timeout = src.Timeout
			}
			if src.OnUnitError != prefetch.Unset {
				dst.OnUnitError = src.OnUnitError
			}
			if src.Logger != nil {
				dst.Logger = src.Logger
			}
			if src.Metrics != nil {
				dst.Metrics = src.Metrics
			}
			if src.Config != nil {
				dst.Config = src.Config
			}
			if src.Models != nil {
				dst.Models = src.Models
			}
		}
	}
}

// LoggerOrDefault returns the configured logger, or the process default.
func (dst *Struct) LoggerOrDefault() *slog.Logger {
	if dst.Logger != nil {
		return dst.Logger
	}
	return slog.Default()
}
