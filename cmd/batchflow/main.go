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

// batchflow runs a demonstration chain over the objects of a bucket.
//
// Every object is split into chunks whose checksums are computed in parallel
// on the chosen back-end, and the byte count of every object is tallied in a
// chain variable. With -synthetic, the bucket is first filled with generated
// records.
//
// The binary is also its own worker process for the processes back-end.
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"lostluck.dev/batchflow"
	"lostluck.dev/batchflow/parallel"
	"lostluck.dev/batchflow/sources/blobsource"
	"lostluck.dev/batchflow/sources/synthetic"
)

// Config handles configuring the launcher
type Config struct {
	ConfigFile string
	Bucket     string
	Prefix     string
	Prefetch   int
	Workers    int
	Target     string
	Chunks     int
	Synthetic  int
	LogLevel   string
	Describe   bool
}

func initFlags() *Config {
	var cfg Config
	flag.StringVar(&cfg.ConfigFile, "config", "", "YAML file with run options and model configuration")
	flag.StringVar(&cfg.Bucket, "bucket", "mem://", "URL of the bucket to read, such as file:///data")
	flag.StringVar(&cfg.Prefix, "prefix", "", "only read objects under this prefix")
	flag.IntVar(&cfg.Prefetch, "prefetch", 2, "number of objects processed ahead of the consumer")
	flag.IntVar(&cfg.Workers, "workers", 0, "size of the prefetch pool, defaults to prefetch+1")
	flag.StringVar(&cfg.Target, "target", "threads", "checksum back-end: threads, processes, tasks or sequential")
	flag.IntVar(&cfg.Chunks, "chunks", 4, "number of chunks checksummed per object")
	flag.IntVar(&cfg.Synthetic, "synthetic", 0, "write this many synthetic records to the bucket first")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "one of debug, info, warn, error")
	flag.BoolVar(&cfg.Describe, "describe", false, "print the chain as JSON before running it")
	return &cfg
}

func init() {
	parallel.RegisterProcessFunc("crc32", func(_ context.Context, b parallel.Bundle) (any, error) {
		return checksum(b)
	})
}

func checksum(b parallel.Bundle) (any, error) {
	chunk, ok := b.Args[0].(string)
	if !ok {
		return nil, errors.Errorf("chunk must be a string, got %T", b.Args[0])
	}
	return float64(crc32.ChecksumIEEE([]byte(chunk))), nil
}

func main() {
	ctx := context.Background()
	if parallel.IsWorker() {
		if err := parallel.ServeWorker(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg := initFlags()
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	target, err := parallel.ParseTarget(cfg.Target)
	if err != nil {
		return err
	}
	opts := []batchflow.Options{batchflow.Logger(logger)}
	if cfg.ConfigFile != "" {
		fileOpts, err := batchflow.LoadConfig(cfg.ConfigFile)
		if err != nil {
			return err
		}
		opts = append(opts, fileOpts)
	}
	opts = append(opts, batchflow.Prefetch(cfg.Prefetch), batchflow.Workers(cfg.Workers))

	src, err := blobsource.Open(ctx, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return err
	}
	defer src.Close()
	if cfg.Synthetic > 0 {
		if err := seed(ctx, src, cfg); err != nil {
			return err
		}
	}

	var sums sync.Map
	crc, err := parallel.New[*blobsource.Object](
		func(_ context.Context, _ *blobsource.Object, b parallel.Bundle) (any, error) { return checksum(b) },
		parallel.Backend(target),
		parallel.ProcessFunc("crc32"),
		parallel.Logger(logger),
		parallel.Init(func(_ context.Context, o *blobsource.Object, call parallel.Bundle) ([]parallel.Bundle, error) {
			return parallel.Each(split(string(o.Data), cfg.Chunks)), nil
		}),
		parallel.Post(func(_ context.Context, o *blobsource.Object, results []parallel.Result, _ parallel.Bundle) (*blobsource.Object, error) {
			if errs := parallel.Errors(results); len(errs) > 0 {
				return o, errs[0]
			}
			var sum uint32
			for _, r := range results {
				sum ^= uint32(r.Value.(float64))
			}
			sums.Store(o.Key, sum)
			return o, nil
		}),
	)
	if err != nil {
		return err
	}

	ops := batchflow.Actions[*blobsource.Object]{
		"checksum": batchflow.Parallel(crc),
		"tally": {
			Lock: "tally_lock",
			Fn: func(_ context.Context, o *blobsource.Object, call *batchflow.Call[*blobsource.Object]) (*blobsource.Object, error) {
				n, _ := call.Chain.Variable("bytes").(int)
				call.Chain.SetVariable("bytes", n+o.Len())
				return o, nil
			},
		},
	}
	ch := batchflow.New[*blobsource.Object](src, ops, opts...).
		InitVariable("bytes", batchflow.Var{Default: 0, InitOnEachRun: true}).
		Do("checksum").
		Do("tally")
	if cfg.Describe {
		desc, err := ch.Describe()
		if err != nil {
			return err
		}
		fmt.Println(desc)
	}

	objects := 0
	for o, err := range ch.Units(ctx) {
		if err != nil {
			return err
		}
		objects++
		sum, _ := sums.Load(o.Key)
		fmt.Printf("%s\t%d bytes\tcrc %08x\n", o.Key, o.Len(), sum)
	}
	logger.Info("run finished", slog.Int("objects", objects), slog.Any("bytes", ch.Variable("bytes")))
	return nil
}

// seed writes synthetic records to the source's bucket.
func seed(ctx context.Context, src *blobsource.Source, cfg *Config) error {
	gen := synthetic.NewSource(synthetic.SourceConfig{NumRecords: cfg.Synthetic, KeySize: 8, ValueSize: 256})
	for i := range cfg.Synthetic {
		r, err := gen.CreateUnit(ctx, i)
		if err != nil {
			return err
		}
		key := cfg.Prefix + "record-" + strconv.Itoa(i)
		if err := src.Bucket().WriteAll(ctx, key, r.Value, nil); err != nil {
			return errors.Wrapf(err, "seeding %s", key)
		}
	}
	return nil
}

// split cuts s into at most n pieces of similar length.
func split(s string, n int) []string {
	n = max(1, min(n, len(s)))
	var parts []string
	size := (len(s) + n - 1) / n
	for start := 0; start < len(s); start += size {
		parts = append(parts, s[start:min(start+size, len(s))])
	}
	return parts
}
