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
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"lostluck.dev/batchflow/internal/flowopts"
	"lostluck.dev/batchflow/internal/prefetch"
	"lostluck.dev/batchflow/models"
	"lostluck.dev/batchflow/parallel"
)

type fileConfig struct {
	Run struct {
		Name        string `yaml:"name"`
		Prefetch    *int   `yaml:"prefetch"`
		Workers     int    `yaml:"workers"`
		Target      string `yaml:"target"`
		Timeout     string `yaml:"timeout"`
		OnUnitError string `yaml:"on_unit_error"`
	} `yaml:"run"`
	Models map[string]interface{} `yaml:"models"`
}

// ParseConfig reads options from YAML. The run section holds run options,
// the models section the chain configuration:
//
//	run:
//	  name: train
//	  prefetch: 4
//	  target: threads
//	  timeout: 30s
//	  on_unit_error: propagate
//	models:
//	  resnet:
//	    layers: 50
func ParseConfig(data []byte) (Options, error) {
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	o := &flowopts.Struct{
		Name:    fc.Run.Name,
		Workers: fc.Run.Workers,
	}
	if fc.Run.Prefetch != nil {
		o.Prefetch, o.HasPrefetch = *fc.Run.Prefetch, true
	}
	if fc.Run.Target != "" {
		t, err := parallel.ParseTarget(fc.Run.Target)
		if err != nil {
			return nil, err
		}
		o.Target = t
	}
	if fc.Run.Timeout != "" {
		d, err := time.ParseDuration(fc.Run.Timeout)
		if err != nil {
			return nil, errors.Wrap(err, "parsing run timeout")
		}
		o.Timeout = d
	}
	if fc.Run.OnUnitError != "" {
		p, err := prefetch.ParseErrorPolicy(fc.Run.OnUnitError)
		if err != nil {
			return nil, err
		}
		o.OnUnitError = p
	}
	if len(fc.Models) > 0 {
		o.Config = models.Config{}
		for k, v := range fc.Models {
			o.Config[k] = stringKeys(v)
		}
	}
	return o, nil
}

// LoadConfig reads options from the YAML file at path.
func LoadConfig(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	o, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return o, nil
}

// stringKeys converts the maps yaml.v2 decodes into map[string]any.
func stringKeys(v interface{}) any {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []interface{}:
		s := make([]any, len(v))
		for i, e := range v {
			s[i] = stringKeys(e)
		}
		return s
	}
	return v
}
