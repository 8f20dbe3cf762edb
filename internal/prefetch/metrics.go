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

package prefetch

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the units counter.
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeDropped   = "dropped"
)

// Metrics are the scheduler's collectors, curried to one chain.
type Metrics struct {
	InFlight prometheus.Gauge
	Units    *prometheus.CounterVec
}

// NewMetrics registers the scheduler collectors with reg, reusing collectors
// a previous chain already registered, and returns them labelled for chain.
// A nil reg returns nil metrics, which record nothing.
func NewMetrics(reg prometheus.Registerer, chain string) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchflow_prefetch_in_flight",
		Help: "Units admitted by the prefetch scheduler and not yet released.",
	}, []string{"chain"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batchflow_prefetch_units_total",
		Help: "Units that left the prefetch scheduler, by outcome.",
	}, []string{"chain", "outcome"})

	if err := reg.Register(inFlight); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, errors.Wrap(err, "registering in-flight gauge")
		}
		inFlight = are.ExistingCollector.(*prometheus.GaugeVec)
	}
	if err := reg.Register(units); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, errors.Wrap(err, "registering units counter")
		}
		units = are.ExistingCollector.(*prometheus.CounterVec)
	}
	cv, err := units.CurryWith(prometheus.Labels{"chain": chain})
	if err != nil {
		return nil, errors.Wrap(err, "currying units counter")
	}
	return &Metrics{
		InFlight: inFlight.WithLabelValues(chain),
		Units:    cv,
	}, nil
}

func (m *Metrics) inc() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) dec() {
	if m != nil {
		m.InFlight.Dec()
	}
}

func (m *Metrics) count(outcome string) {
	if m != nil {
		m.Units.WithLabelValues(outcome).Inc()
	}
}
