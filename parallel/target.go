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
	"fmt"
	"strings"
)

// Target selects the execution back-end of a Dispatcher.
type Target int

const (
	Unset Target = iota
	// Threads runs bundles on a bounded pool of goroutines.
	Threads
	// Processes runs bundles in worker copies of the current binary.
	Processes
	// Tasks runs bundles as cooperative tasks sharing one Loop.
	Tasks
	// Sequential runs bundles one after another on the calling goroutine.
	Sequential
)

func (t Target) String() string {
	switch t {
	case Unset:
		return "unset"
	case Threads:
		return "threads"
	case Processes:
		return "processes"
	case Tasks:
		return "tasks"
	case Sequential:
		return "sequential"
	default:
		return fmt.Sprintf("Target(%d)", int(t))
	}
}

// ParseTarget parses a back-end name. Besides the names printed by String it
// accepts the short forms t, m, a and f, and mpc, async and for.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "threads", "t", "nogil":
		return Threads, nil
	case "processes", "mpc", "m":
		return Processes, nil
	case "tasks", "async", "a":
		return Tasks, nil
	case "sequential", "for", "f":
		return Sequential, nil
	}
	return Unset, &ConfigurationError{Reason: fmt.Sprintf("unknown target %q", s)}
}
