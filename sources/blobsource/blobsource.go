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

// Package blobsource reads units from, and writes them to, a gocloud.dev
// bucket. Every object under a prefix is one unit.
package blobsource

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"lostluck.dev/batchflow"
)

// Object is the unit read from a bucket.
type Object struct {
	Key  string
	Data []byte
}

// Index returns the object key, for joins by index.
func (o *Object) Index() any { return o.Key }

// Len returns the number of bytes held.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Data)
}

// Source lists a bucket once, in key order, reading each object as a unit.
type Source struct {
	bucket *blob.Bucket
	prefix string
	owned  bool

	mu   sync.Mutex
	list *blob.ListIterator
	done bool
}

// New returns a source over the objects of bucket under prefix.
func New(bucket *blob.Bucket, prefix string) *Source {
	return &Source{bucket: bucket, prefix: prefix}
}

// Open opens the bucket at url, such as "file:///data" or "mem://", and
// returns a source over its objects under prefix. Close closes the bucket.
func Open(ctx context.Context, url, prefix string) (*Source, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bucket %q", url)
	}
	s := New(b, prefix)
	s.owned = true
	return s, nil
}

// Bucket returns the underlying bucket.
func (s *Source) Bucket() *blob.Bucket { return s.bucket }

// NextUnit reads the next object, or returns io.EOF after the last one.
// Directories are skipped.
func (s *Source) NextUnit(ctx context.Context) (*Object, error) {
	key, err := s.nextKey(ctx)
	if err != nil {
		return nil, err
	}
	return s.read(ctx, key)
}

func (s *Source) nextKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return "", io.EOF
	}
	if s.list == nil {
		s.list = s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	}
	for {
		obj, err := s.list.Next(ctx)
		if err == io.EOF {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			return "", errors.Wrap(err, "listing bucket")
		}
		if !obj.IsDir {
			return obj.Key, nil
		}
	}
}

// CreateUnit reads the object whose key is index, a string. Keys without the
// source prefix are taken as relative to it.
func (s *Source) CreateUnit(ctx context.Context, index any) (*Object, error) {
	key, ok := index.(string)
	if !ok {
		return nil, errors.Errorf("blobsource: index must be an object key, got %T", index)
	}
	if !strings.HasPrefix(key, s.prefix) {
		key = s.prefix + key
	}
	return s.read(ctx, key)
}

func (s *Source) read(ctx context.Context, key string) (*Object, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", key)
	}
	return &Object{Key: key, Data: data}, nil
}

// Reset lists the bucket again on the next call to NextUnit.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list, s.done = nil, false
}

// Close closes the bucket if the source opened it.
func (s *Source) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// Write returns an action storing each unit in bucket under its key. With a
// "prefix" keyword argument, the key is the prefix followed by the last path
// element of the unit key. The unit passes through unchanged.
func Write(bucket *blob.Bucket) batchflow.Action[*Object] {
	return batchflow.Action[*Object]{
		Fn: func(ctx context.Context, o *Object, call *batchflow.Call[*Object]) (*Object, error) {
			key := o.Key
			if p, ok := call.Kwargs["prefix"].(string); ok {
				key = p + key[strings.LastIndex(key, "/")+1:]
			}
			if err := bucket.WriteAll(ctx, key, o.Data, nil); err != nil {
				return nil, errors.Wrapf(err, "writing %q", key)
			}
			call.Logger.Debug("object written", "key", key, "bytes", len(o.Data))
			return o, nil
		},
	}
}
