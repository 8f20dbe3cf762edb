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
	"os"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
	"lostluck.dev/batchflow/internal/procpool"
)

// ProcessWork is work that can run in a worker process. Its bundles and
// results cross the process boundary as JSON-like values: nil, bool,
// numbers (decoded as float64), string, []any and map[string]any.
type ProcessWork func(ctx context.Context, b Bundle) (any, error)

var (
	processMu    sync.RWMutex
	processFuncs = map[string]ProcessWork{}
)

// RegisterProcessFunc makes fn runnable by the Processes back-end under name.
// Both the dispatching process and its workers must register it, typically
// from an init function.
func RegisterProcessFunc(name string, fn ProcessWork) {
	processMu.Lock()
	defer processMu.Unlock()
	if _, ok := processFuncs[name]; ok {
		panic("parallel: process function " + name + " registered twice")
	}
	processFuncs[name] = fn
}

func lookupProcessFunc(name string) (ProcessWork, bool) {
	processMu.RLock()
	defer processMu.RUnlock()
	fn, ok := processFuncs[name]
	return fn, ok && name != ""
}

// IsWorker reports whether this process was started by the Processes
// back-end, in which case main (or TestMain) should call ServeWorker.
func IsWorker() bool {
	return procpool.IsWorker()
}

// ServeWorker runs registered process functions for the dispatching process
// until it closes the connection.
func ServeWorker(ctx context.Context) error {
	return procpool.Serve(ctx, os.Stdin, os.Stdout, serveRequest)
}

func serveRequest(ctx context.Context, req *structpb.Struct) *structpb.Struct {
	reply := func(v any, err error) *structpb.Struct {
		fields := map[string]*structpb.Value{}
		if err != nil {
			fields["error"] = structpb.NewStringValue(err.Error())
		} else {
			pv, verr := structpb.NewValue(v)
			if verr != nil {
				fields["error"] = structpb.NewStringValue(errors.Wrap(verr, "encoding result").Error())
			} else {
				fields["value"] = pv
			}
		}
		return &structpb.Struct{Fields: fields}
	}

	name := req.GetFields()["func"].GetStringValue()
	fn, ok := lookupProcessFunc(name)
	if !ok {
		return reply(nil, errors.Errorf("process function %q is not registered in the worker", name))
	}
	b, err := decodeBundle(req)
	if err != nil {
		return reply(nil, err)
	}
	r := safeCall(ctx, func(ctx context.Context) (any, error) { return fn(ctx, b) })
	return reply(r.Value, r.Err)
}

func encodeBundle(name string, b Bundle) (*structpb.Struct, error) {
	args, err := structpb.NewList(b.Args)
	if err != nil {
		return nil, errors.Wrap(err, "encoding args")
	}
	kwargs, err := structpb.NewStruct(b.Kwargs)
	if err != nil {
		return nil, errors.Wrap(err, "encoding kwargs")
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"func":   structpb.NewStringValue(name),
		"args":   structpb.NewListValue(args),
		"kwargs": structpb.NewStructValue(kwargs),
	}}, nil
}

func decodeBundle(req *structpb.Struct) (Bundle, error) {
	f := req.GetFields()
	b := Bundle{Args: f["args"].GetListValue().AsSlice()}
	if kw := f["kwargs"].GetStructValue().AsMap(); len(kw) > 0 {
		b.Kwargs = kw
	}
	return b, nil
}

func decodeResult(resp *structpb.Struct) Result {
	f := resp.GetFields()
	if msg, ok := f["error"]; ok {
		return Result{Err: errors.Errorf("worker: %s", msg.GetStringValue())}
	}
	return Result{Value: f["value"].AsInterface()}
}

func (d *Dispatcher[O]) runProcesses(ctx context.Context, bundles []Bundle, workers int) []Result {
	c := newCollector(len(bundles))
	if len(bundles) == 0 {
		return c.close()
	}
	reqs := make([]*structpb.Struct, len(bundles))
	for i, b := range bundles {
		req, err := encodeBundle(d.procName, b)
		if err != nil {
			c.put(i, Result{Err: err})
			continue
		}
		reqs[i] = req
	}

	pool, err := procpool.Start(ctx, procpool.Options{Workers: min(workers, len(bundles)), Logger: d.logger})
	if err != nil {
		for i := range bundles {
			c.put(i, Result{Err: err})
		}
		return c.close()
	}
	defer pool.Terminate()

	next := make(chan int)
	var wg sync.WaitGroup
	for _, h := range pool.Handles() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				resp, err := h.Call(reqs[i])
				if err != nil {
					c.put(i, Result{Err: err})
					continue
				}
				c.put(i, decodeResult(resp))
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(next)
		for i := range bundles {
			if reqs[i] == nil {
				continue
			}
			select {
			case next <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	finished := make(chan struct{})
	go func() {
		<-done
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
	return c.close()
}
