// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricNamespace = "live_probe"

type metrics struct {
	eventsQueued  prometheus.Counter
	eventsDropped *prometheus.CounterVec
	batchesSent   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		eventsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "events_queued_total",
			Help:      "Events accepted for shipping to the collector.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped before reaching the collector.",
		}, []string{"reason"}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "batches_sent_total",
			Help:      "Batches posted to the collector by response status.",
		}, []string{"status"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.eventsQueued, m.eventsDropped, m.batchesSent} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
