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
	"context"

	"github.com/pkg/errors"
	"lostluck.dev/batchflow/models"
)

// resolveModel returns the model called name as seen by c while executing u.
func (c *Chain[U]) resolveModel(ctx context.Context, name string, u U) (any, error) {
	def, err := c.registry.LookupByName(name, c.id)
	if err != nil {
		return nil, err
	}
	return c.registry.Resolve(ctx, def, c, u, nil)
}

// Model returns the model called name, building it for c if needed. Dynamic
// models are built without a unit.
func (c *Chain[U]) Model(ctx context.Context, name string) (any, error) {
	var zero U
	return c.resolveModel(ctx, name, zero)
}

// InitModel builds the static model called name for c now, laying cfg over
// the chain configuration.
func (c *Chain[U]) InitModel(ctx context.Context, name string, cfg models.Config) error {
	if _, err := c.registry.Init(ctx, name, c, cfg); err != nil {
		return errors.Wrapf(err, "initializing model %q", name)
	}
	return nil
}

// ImportModel records a step importing the model called name from the chain
// from. The import happens once, the first time a unit reaches the step.
func (c *Chain[U]) ImportModel(name string, from models.Owner) *Chain[U] {
	if from == nil {
		return c.fail(errors.Errorf("importing model %q from a nil chain", name))
	}
	return c.with(&record[U]{kind: importRecord, model: name, from: from})
}
