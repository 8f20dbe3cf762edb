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
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"lostluck.dev/batchflow/internal/prefetch"
	"lostluck.dev/batchflow/models"
	"lostluck.dev/batchflow/parallel"
)

// ErrSkipUnit is returned by an action to drop the current unit from the
// output. It is a control signal, not a failure: skipped units are never
// logged or delivered.
var ErrSkipUnit = errors.New("skip unit")

// ErrTimeout is the error of a unit that did not finish within the Timeout
// configured for a run.
var ErrTimeout = prefetch.ErrTimeout

type (
	ConfigurationError   = parallel.ConfigurationError
	NotFoundError        = models.NotFoundError
	AmbiguityError       = models.AmbiguityError
	AmbiguousConfigError = models.AmbiguousConfigError
)

// UnknownOperationError is recorded when a chain names an operation missing
// from its unit's operation table.
type UnknownOperationError struct {
	Name  string
	Known []string
}

func (e *UnknownOperationError) Error() string {
	known := append([]string(nil), e.Known...)
	sort.Strings(known)
	return fmt.Sprintf("unknown operation %q, the unit declares: %s", e.Name, strings.Join(known, ", "))
}

// ConflictingSourceError is recorded when two chains bound to different
// sources are concatenated.
type ConflictingSourceError struct{}

func (e *ConflictingSourceError) Error() string {
	return "cannot concatenate chains bound to different sources"
}
