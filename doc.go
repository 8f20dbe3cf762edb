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

// Package batchflow records chains of actions over units of data and replays
// them over a source, with bounded look-ahead.
//
// A chain is built by recording steps: named actions from the unit type's
// operation table, nested chains, joins and merges with other chains, and
// regrouping into units of a new size. Recording never executes anything and
// never modifies the chain it is called on.
//
//	ch := batchflow.New(src, ops).
//		Do("load").
//		Do("augment", batchflow.Kw{"angle": 15}).WithProbability(0.5)
//
//	for u, err := range ch.Units(ctx, batchflow.Prefetch(4)) {
//		...
//	}
//
// With a positive prefetch depth, units are pulled and executed concurrently
// while the caller consumes earlier ones, and are still delivered in source
// order. Actions return ErrSkipUnit to drop a unit from the output.
//
// Models used by actions live in a models.Registry, built once per chain (or
// once per process) and looked up by name. Actions that fan out over many
// argument bundles are built with the parallel package and Parallel.
package batchflow
