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

// Package procpool boots worker copies of the current binary and exchanges
// length delimited protocol buffer messages with them over stdin and stdout.
package procpool

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// EnvWorker marks a process started by Start as a worker.
const EnvWorker = "BATCHFLOW_WORKER"

// IsWorker reports whether this process was started as a pool worker.
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}

type Options struct {
	Location string // if specified, the binary to boot. Otherwise the running executable.
	Workers  int    // number of worker processes, at least 1.
	Logger   *slog.Logger
}

// Handle provides a handle into one worker process. Calls on a Handle are
// serialized.
type Handle struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	in       io.WriteCloser
	out      *bufio.Reader
	cancelFn func()
	exited   chan struct{}
}

// Terminate ends the worker process.
func (h *Handle) Terminate() {
	h.cancelFn()
}

// Call sends one request and waits for the worker's reply.
func (h *Handle) Call(req *structpb.Struct) (*structpb.Struct, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := protodelim.MarshalTo(h.in, req); err != nil {
		return nil, errors.Wrap(err, "sending request to worker")
	}
	resp := &structpb.Struct{}
	if err := protodelim.UnmarshalFrom(h.out, resp); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "reading reply from worker")
	}
	return resp, nil
}

// Pool is a fixed set of worker processes.
type Pool struct {
	handles []*Handle
}

// Handles returns the pool's workers.
func (p *Pool) Handles() []*Handle { return p.handles }

// Terminate ends every worker process and waits for them to exit.
func (p *Pool) Terminate() {
	for _, h := range p.handles {
		h.in.Close()
		h.Terminate()
	}
	for _, h := range p.handles {
		<-h.exited
	}
}

// Start boots opts.Workers worker processes. Workers inherit the environment
// with EnvWorker set, and their stderr.
func Start(ctx context.Context, opts Options) (*Pool, error) {
	bin := opts.Location
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locating worker executable")
		}
		bin = exe
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := max(opts.Workers, 1)

	p := &Pool{}
	for i := range n {
		h, err := startOne(ctx, bin, logger)
		if err != nil {
			p.Terminate()
			return nil, errors.Wrapf(err, "starting worker %d of %d", i+1, n)
		}
		p.handles = append(p.handles, h)
	}
	return p, nil
}

func startOne(ctx context.Context, bin string, logger *slog.Logger) (*Handle, error) {
	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(), EnvWorker+"=1")
	cmd.Stderr = os.Stderr
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "couldn't start command %q", bin)
	}
	h := &Handle{
		cmd: cmd,
		in:  in,
		out: bufio.NewReader(out),
		cancelFn: func() {
			cmd.Process.Kill()
		},
		exited: make(chan struct{}),
	}
	go func() {
		defer close(h.exited)
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			logger.Debug("worker exited", slog.Int("pid", cmd.Process.Pid), slog.Any("error", err))
		}
	}()
	return h, nil
}

// Serve answers requests read from r with handler, writing replies to w,
// until r is exhausted.
func Serve(ctx context.Context, r io.Reader, w io.Writer, handler func(context.Context, *structpb.Struct) *structpb.Struct) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	for {
		req := &structpb.Struct{}
		if err := protodelim.UnmarshalFrom(br, req); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "reading request")
		}
		if _, err := protodelim.MarshalTo(bw, handler(ctx, req)); err != nil {
			return errors.Wrap(err, "writing reply")
		}
		if err := bw.Flush(); err != nil {
			return errors.Wrap(err, "flushing reply")
		}
	}
}
