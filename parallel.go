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

	"lostluck.dev/batchflow/parallel"
)

// Parallel returns an action fanning each call out through d. The call's
// positional and keyword arguments become the dispatch call's arguments, and
// the unit is the dispatch owner.
func Parallel[U any](d *parallel.Dispatcher[U]) Action[U] {
	return Action[U]{
		Fn: func(ctx context.Context, u U, call *Call[U]) (U, error) {
			return d.Call(ctx, u, parallel.Bundle{Args: call.Args, Kwargs: call.Kwargs})
		},
	}
}
