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

package receiver

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/apm-live-probe/instrument"
)

// DefaultMeterCacheSize bounds the number of live meter series.
const DefaultMeterCacheSize = 1024

const metricNamespace = "live"

var errUnsupportedValue = errors.New("unsupported metric value")

// meterHandle is a registered meter series.
type meterHandle struct {
	id        string
	collector prometheus.Collector
	counter   prometheus.Counter
	gauge     prometheus.Gauge
	histogram prometheus.Histogram
}

// metricName returns the series name of a meter, e.g. count_3f2a_b1.
func metricName(li *instrument.LiveInstrument) string {
	prefix := strings.ToLower(string(li.MeterType))
	if li.Type == instrument.Timer {
		prefix = "timer"
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	for _, r := range li.ID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// tagKey renders tags as a stable k=v list.
func tagKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

func newMeterHandle(li *instrument.LiveInstrument, tags map[string]string) (*meterHandle, error) {
	h := &meterHandle{id: li.ID}
	name := metricName(li)
	labels := prometheus.Labels(tags)
	switch {
	case li.Type == instrument.Timer:
		h.histogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricNamespace,
			Name:        name + "_seconds",
			Help:        "Duration of the method instrumented by a live timer.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		})
		h.collector = h.histogram
	case li.MeterType == instrument.Count:
		h.counter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricNamespace,
			Name:        name + "_total",
			Help:        "Live meter counter.",
			ConstLabels: labels,
		})
		h.collector = h.counter
	case li.MeterType == instrument.Gauge:
		h.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricNamespace,
			Name:        name,
			Help:        "Live meter gauge.",
			ConstLabels: labels,
		})
		h.collector = h.gauge
	case li.MeterType == instrument.Histogram:
		h.histogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricNamespace,
			Name:        name,
			Help:        "Live meter histogram.",
			ConstLabels: labels,
		})
		h.collector = h.histogram
	default:
		return nil, fmt.Errorf("unsupported meter type %q", li.MeterType)
	}
	return h, nil
}

// adopt switches h to an equivalent series registered earlier.
func (h *meterHandle) adopt(existing prometheus.Collector) bool {
	switch {
	case h.counter != nil:
		c, ok := existing.(prometheus.Counter)
		if ok {
			h.counter, h.collector = c, c
		}
		return ok
	case h.gauge != nil:
		g, ok := existing.(prometheus.Gauge)
		if ok {
			h.gauge, h.collector = g, g
		}
		return ok
	case h.histogram != nil:
		o, ok := existing.(prometheus.Histogram)
		if ok {
			h.histogram, h.collector = o, o
		}
		return ok
	}
	return false
}

// programs caches compiled expressions by source.
type programs struct {
	cache sync.Map // string -> *vm.Program
}

func (p *programs) compile(src string) (*vm.Program, error) {
	if v, ok := p.cache.Load(src); ok {
		return v.(*vm.Program), nil
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	p.cache.Store(src, program)
	return program, nil
}

func (p *programs) eval(src string, env map[string]interface{}) (interface{}, error) {
	program, err := p.compile(src)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

func (p *programs) evalNumber(src string, env map[string]interface{}) (float64, error) {
	out, err := p.eval(src, env)
	if err != nil {
		return 0, err
	}
	return toFloat(out)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("%w: %T", errUnsupportedValue, v)
}
