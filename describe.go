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
	"maps"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

type chainDesc struct {
	ID      string       `json:"id"`
	Name    string       `json:"name,omitempty"`
	Actions []actionDesc `json:"actions"`
}

type actionDesc struct {
	Kind   string            `json:"kind"`
	Name   string            `json:"name,omitempty"`
	Args   []string          `json:"args,omitempty"`
	Kwargs map[string]string `json:"kwargs,omitempty"`
	Proba  *float64          `json:"proba,omitempty"`
	Repeat *int              `json:"repeat,omitempty"`
	Size   int               `json:"size,omitzero"`
	Model  string            `json:"model,omitempty"`
	Chain  *chainDesc        `json:"chain,omitempty"`
	Chains []chainDesc       `json:"chains,omitempty"`
}

func describeChain[U any](c *Chain[U]) chainDesc {
	d := chainDesc{ID: c.id.String(), Name: c.opts.Name, Actions: []actionDesc{}}
	for _, r := range c.records {
		a := actionDesc{Kind: r.kind.String(), Name: r.name, Proba: r.proba, Repeat: r.repeat, Size: r.size, Model: r.model}
		for _, arg := range r.args {
			a.Args = append(a.Args, fmt.Sprintf("%v", arg))
		}
		if len(r.kwargs) > 0 {
			a.Kwargs = make(map[string]string, len(r.kwargs))
			for k, v := range maps.All(r.kwargs) {
				a.Kwargs[k] = fmt.Sprintf("%v", v)
			}
		}
		if r.chain != nil {
			sub := describeChain(r.chain)
			a.Chain = &sub
		}
		for _, ch := range r.chains {
			a.Chains = append(a.Chains, describeChain(ch))
		}
		d.Actions = append(d.Actions, a)
	}
	return d
}

// Describe renders the chain's recorded steps as indented JSON.
func (c *Chain[U]) Describe() (string, error) {
	b, err := json.Marshal(describeChain(c), json.Deterministic(true), jsontext.WithIndent("  "))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
