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

package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NotFoundError is returned when no declared model matches a name.
type NotFoundError struct {
	Name  string
	Owner uuid.UUID
}

func (e *NotFoundError) Error() string {
	if e.Owner == uuid.Nil {
		return fmt.Sprintf("model %q not found", e.Name)
	}
	return fmt.Sprintf("model %q not found for chain %v", e.Name, e.Owner)
}

// AmbiguityError is returned when more than one declared model matches a
// name. Candidates holds the qualified names of every match.
type AmbiguityError struct {
	Name       string
	Candidates []string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("model name %q is ambiguous: matches %s", e.Name, strings.Join(e.Candidates, ", "))
}

// AmbiguousConfigError is returned when several keys of a chain's
// configuration match the qualified name of one model.
type AmbiguousConfigError struct {
	Model string
	Keys  []string
}

func (e *AmbiguousConfigError) Error() string {
	return fmt.Sprintf("ambiguous config for model %q: keys %s all match", e.Model, strings.Join(e.Keys, ", "))
}
