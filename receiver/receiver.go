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

// Package receiver implements the sink called by instrumented code. It
// keeps the context captured by call sites, asks the registry whether a
// hit counts and turns accepted hits into events, meters and spans.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/instrument"
	"github.com/elastic/apm-live-probe/lifespan"
	"github.com/elastic/apm-live-probe/registry"
)

// DefaultMaxValueSize caps the encoded size of one captured variable.
const DefaultMaxValueSize = 64 * 1024

const tracerName = "github.com/elastic/apm-live-probe/receiver"

// Hitter decides whether an invocation of an instrument is recorded.
type Hitter interface {
	IsInstrumentEnabled(id string) bool
	Hit(id string, ctx instrument.ContextMap) (*registry.Active, bool)
	OnRemove(fn func(id string))
}

type timing struct {
	active  *registry.Active
	started time.Time
}

// Receiver is the concrete instrument.Sink.
type Receiver struct {
	logger       *zap.SugaredLogger
	hitter       Hitter
	publisher    instrument.Publisher
	sampler      *lifespan.Sampler
	tracer       trace.Tracer
	registerer   prometheus.Registerer
	now          func() time.Time
	maxValueSize int
	cacheSize    int

	meters   *lru.Cache[string, *meterHandle]
	programs programs

	mu       sync.Mutex
	contexts map[string]*captured
	hits     map[string]*registry.Active
	spans    map[string][]trace.Span
	timers   map[string][]timing
}

var _ instrument.Sink = (*Receiver)(nil)

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the receiver logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithPublisher sets where breakpoint and log events go.
func WithPublisher(p instrument.Publisher) Option {
	return func(r *Receiver) {
		r.publisher = p
	}
}

// WithSampler sets the sampler backing OBJECT_LIFESPAN meters.
func WithSampler(s *lifespan.Sampler) Option {
	return func(r *Receiver) {
		r.sampler = s
	}
}

// WithTracerProvider sets the provider local spans are started from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Receiver) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// WithRegisterer sets where meter series are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Receiver) {
		r.registerer = reg
	}
}

// WithMeterCacheSize bounds the number of live meter series. The least
// recently used series is unregistered when the bound is reached.
func WithMeterCacheSize(n int) Option {
	return func(r *Receiver) {
		r.cacheSize = n
	}
}

// WithMaxValueSize caps the encoded size of one captured variable.
func WithMaxValueSize(n int) Option {
	return func(r *Receiver) {
		r.maxValueSize = n
	}
}

// WithClock replaces the wall clock used to stamp events and time methods.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		r.now = now
	}
}

// New returns a Receiver backed by hitter. Per instrument state is released
// when hitter removes an instrument.
func New(hitter Hitter, opts ...Option) (*Receiver, error) {
	r := &Receiver{
		logger:       zap.NewNop().Sugar(),
		hitter:       hitter,
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		registerer:   prometheus.DefaultRegisterer,
		now:          time.Now,
		maxValueSize: DefaultMaxValueSize,
		cacheSize:    DefaultMeterCacheSize,
		contexts:     map[string]*captured{},
		hits:         map[string]*registry.Active{},
		spans:        map[string][]trace.Span{},
		timers:       map[string][]timing{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sampler == nil {
		r.sampler = lifespan.NewSampler()
	}

	meters, err := lru.NewWithEvict(r.cacheSize, func(_ string, h *meterHandle) {
		r.registerer.Unregister(h.collector)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create meter cache: %w", err)
	}
	r.meters = meters
	hitter.OnRemove(r.release)
	return r, nil
}

func (r *Receiver) recoverPanic(op, id string) {
	if v := recover(); v != nil {
		r.logger.Errorf("Recovered from panic in %s for live instrument %s: %v", op, id, v)
	}
}

// IsInstrumentEnabled reports whether id is registered.
func (r *Receiver) IsInstrumentEnabled(id string) (enabled bool) {
	defer r.recoverPanic("IsInstrumentEnabled", id)
	return r.hitter.IsInstrumentEnabled(id)
}

// IsHit decides whether the current invocation of id is recorded, using
// the context captured so far. A rejected hit discards that context.
func (r *Receiver) IsHit(id string) (hit bool) {
	defer r.recoverPanic("IsHit", id)

	r.mu.Lock()
	ctx := r.contexts[id].contextMap()
	r.mu.Unlock()

	a, ok := r.hitter.Hit(id, ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		delete(r.contexts, id)
		return false
	}
	r.hits[id] = a
	return true
}

// take consumes the pending hit of id.
func (r *Receiver) take(id string) (*registry.Active, *captured) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.hits[id]
	if !ok {
		return nil, nil
	}
	delete(r.hits, id)
	c := r.contexts[id]
	delete(r.contexts, id)
	return a, c
}

func (r *Receiver) capture(id string, fn func(c *captured)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[id]
	if !ok {
		c = &captured{}
		r.contexts[id] = c
	}
	fn(c)
}

// PutContext captures an arbitrary context entry, such as the receiver
// object under ThisKey.
func (r *Receiver) PutContext(id, key string, value interface{}, typ string) {
	defer r.recoverPanic("PutContext", id)
	r.capture(id, func(c *captured) { c.context.put(key, typ, value) })
}

// PutLocalVariable captures a local variable.
func (r *Receiver) PutLocalVariable(id, key string, value interface{}, typ string) {
	defer r.recoverPanic("PutLocalVariable", id)
	r.capture(id, func(c *captured) { c.locals.put(key, typ, value) })
}

// PutField captures an instance field.
func (r *Receiver) PutField(id, key string, value interface{}, typ string) {
	defer r.recoverPanic("PutField", id)
	r.capture(id, func(c *captured) { c.fields.put(key, typ, value) })
}

// PutStaticField captures a static field.
func (r *Receiver) PutStaticField(id, key string, value interface{}, typ string) {
	defer r.recoverPanic("PutStaticField", id)
	r.capture(id, func(c *captured) { c.statics.put(key, typ, value) })
}

// PutReturn captures the value returned by the instrumented method.
func (r *Receiver) PutReturn(id string, value interface{}, typ string) {
	defer r.recoverPanic("PutReturn", id)
	r.capture(id, func(c *captured) { c.locals.put(ReturnKey, typ, value) })
}

// PutBreakpoint publishes a breakpoint hit with the captured variables.
func (r *Receiver) PutBreakpoint(id, source string, line int, stack []instrument.Frame) {
	defer r.recoverPanic("PutBreakpoint", id)
	a, c := r.take(id)
	if a == nil {
		return
	}
	r.logger.Debugf("Breakpoint hit: %s", id)

	name := source + ":" + strconv.Itoa(line)
	if len(stack) > 0 {
		name = stack[0].Class + "." + stack[0].Method
	}
	_, span := r.tracer.Start(context.Background(), name, trace.WithAttributes(
		attribute.String("live_instrument.id", id),
		attribute.String("live_instrument.type", string(a.Instrument.Type)),
	))
	defer span.End()

	r.publish(encodeBreakpoint(id, source, line, c, stack, span.SpanContext(), r.now(), r.maxValueSize))
}

// PutLog publishes a log hit. Arguments name captured variables and are
// resolved against locals, then fields, then static fields.
func (r *Receiver) PutLog(id, format string, args ...string) {
	defer r.recoverPanic("PutLog", id)
	a, c := r.take(id)
	if a == nil {
		return
	}
	r.logger.Debugf("Log hit: %s", id)

	values := make([]string, len(args))
	for i, name := range args {
		values[i] = "null"
		if v, ok := c.lookup(name); ok {
			values[i] = stringify(v.value)
		}
	}
	r.publish(encodeLog(id, format, values, r.activeSpanContext(id), r.now()))
}

// PutMeter updates the meter series of id.
func (r *Receiver) PutMeter(id string) {
	defer r.recoverPanic("PutMeter", id)
	a, c := r.take(id)
	if a == nil {
		return
	}
	li := &a.Instrument
	env := c.contextMap().Env()

	tags := make(map[string]string, len(li.MeterTags))
	for _, t := range li.MeterTags {
		switch t.ValueType {
		case instrument.TagValueExpression:
			v, err := r.programs.eval(t.Value, env)
			if err != nil {
				r.logger.Errorf("Failed to evaluate tag %s of live meter %s: %v", t.Key, id, err)
				tags[t.Key] = "null"
				continue
			}
			tags[t.Key] = stringify(v)
		default:
			tags[t.Key] = t.Value
		}
	}

	h, err := r.meter(li, tags)
	if err != nil {
		r.logger.Errorf("Failed to create live meter %s: %v", id, err)
		return
	}
	if err := r.record(li, h, c, env); err != nil {
		r.logger.Errorf("Failed to record live meter %s: %v", id, err)
	}
}

func (r *Receiver) meter(li *instrument.LiveInstrument, tags map[string]string) (*meterHandle, error) {
	key := li.ID + "{" + tagKey(tags) + "}"
	if h, ok := r.meters.Get(key); ok {
		return h, nil
	}
	h, err := newMeterHandle(li, tags)
	if err != nil {
		return nil, err
	}
	if err := r.registerer.Register(h.collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) || !h.adopt(are.ExistingCollector) {
			return nil, err
		}
	}
	r.logger.Infof("Initial trigger of live meter: %s", li.ID)
	r.meters.Add(key, h)
	return h, nil
}

func (r *Receiver) record(li *instrument.LiveInstrument, h *meterHandle, c *captured, env map[string]interface{}) error {
	mv := li.MetricValue
	if mv == nil {
		mv = &instrument.MetricValue{ValueType: instrument.Number, Value: "1"}
	}

	var value float64
	switch mv.ValueType {
	case instrument.Number:
		v, err := strconv.ParseFloat(strings.TrimSpace(mv.Value), 64)
		if err != nil {
			return err
		}
		value = v
	case instrument.NumberExpression:
		v, err := r.programs.evalNumber(mv.Value, env)
		if err != nil {
			return err
		}
		value = v
	case instrument.ValueExpression:
		v, err := r.programs.eval(mv.Value, env)
		if err != nil {
			return err
		}
		r.publish(encodeMeterValue(li.ID, metricName(li), stringify(v), r.now()))
		return nil
	case instrument.ObjectLifespan:
		this, ok := c.thisObject()
		if !ok {
			return fmt.Errorf("%w: no %s captured", errUnsupportedValue, ThisKey)
		}
		v, err := r.sampler.Observe(this.typ, this.value)
		if err != nil {
			return err
		}
		value = v
	default:
		return fmt.Errorf("%w: %s", errUnsupportedValue, mv.ValueType)
	}

	switch {
	case h.counter != nil:
		if value < 0 {
			return fmt.Errorf("%w: negative counter increment %v", errUnsupportedValue, value)
		}
		h.counter.Add(value)
	case h.gauge != nil:
		h.gauge.Set(value)
	case h.histogram != nil:
		h.histogram.Observe(value)
	}
	return nil
}

func (c *captured) thisObject() (variable, bool) {
	if c == nil {
		return variable{}, false
	}
	v, ok := c.context.get(ThisKey)
	return v, ok && v.value != nil
}

func (r *Receiver) spanParent(id string) context.Context {
	if sc := r.activeSpanContext(id); sc.IsValid() {
		return trace.ContextWithSpanContext(context.Background(), sc)
	}
	return context.Background()
}

func (r *Receiver) activeSpanContext(id string) trace.SpanContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stack := r.spans[id]; len(stack) > 0 {
		return stack[len(stack)-1].SpanContext()
	}
	return trace.SpanContext{}
}

// OpenLocalSpan starts a span named after the instrument operation.
// Spans of one instrument nest in LIFO order.
func (r *Receiver) OpenLocalSpan(id string) {
	defer r.recoverPanic("OpenLocalSpan", id)
	a, _ := r.take(id)
	if a == nil {
		return
	}
	name := a.Instrument.OperationName
	if name == "" {
		name = a.Instrument.Location.Source
	}
	_, span := r.tracer.Start(r.spanParent(id), name, trace.WithAttributes(
		attribute.String("live_instrument.id", id),
	))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans[id] = append(r.spans[id], span)
}

func (r *Receiver) popSpan(id string) trace.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	stack := r.spans[id]
	if len(stack) == 0 {
		return nil
	}
	span := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(r.spans, id)
	} else {
		r.spans[id] = stack[:len(stack)-1]
	}
	return span
}

// CloseLocalSpan ends the innermost span opened for id.
func (r *Receiver) CloseLocalSpan(id string) {
	defer r.recoverPanic("CloseLocalSpan", id)
	if span := r.popSpan(id); span != nil {
		span.End()
	}
}

// CloseLocalSpanAndPropagate ends the innermost span of id, records cause
// on it and returns cause unchanged, whatever happens while closing.
func (r *Receiver) CloseLocalSpanAndPropagate(cause error, id string) (err error) {
	err = cause
	defer r.recoverPanic("CloseLocalSpanAndPropagate", id)
	span := r.popSpan(id)
	if span == nil {
		return cause
	}
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	span.End()
	return cause
}

// StartTimer starts timing an invocation of id. Timers of one instrument
// nest in LIFO order.
func (r *Receiver) StartTimer(id string) {
	defer r.recoverPanic("StartTimer", id)
	a, _ := r.take(id)
	if a == nil {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[id] = append(r.timers[id], timing{active: a, started: now})
}

// StopTimer observes the time elapsed since the matching StartTimer.
func (r *Receiver) StopTimer(id string) {
	defer r.recoverPanic("StopTimer", id)
	r.mu.Lock()
	stack := r.timers[id]
	if len(stack) == 0 {
		r.mu.Unlock()
		return
	}
	t := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(r.timers, id)
	} else {
		r.timers[id] = stack[:len(stack)-1]
	}
	r.mu.Unlock()

	h, err := r.meter(&t.active.Instrument, nil)
	if err != nil {
		r.logger.Errorf("Failed to create live timer %s: %v", id, err)
		return
	}
	h.histogram.Observe(r.now().Sub(t.started).Seconds())
}

func (r *Receiver) publish(event []byte) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(event)
}

// release drops every piece of state held for id.
func (r *Receiver) release(id string) {
	r.mu.Lock()
	delete(r.contexts, id)
	delete(r.hits, id)
	delete(r.timers, id)
	spans := r.spans[id]
	delete(r.spans, id)
	r.mu.Unlock()

	for _, span := range spans {
		span.End()
	}
	prefix := id + "{"
	for _, key := range r.meters.Keys() {
		if strings.HasPrefix(key, prefix) {
			r.meters.Remove(key)
		}
	}
}

// Pending returns the number of instruments with captured context or
// open spans or timers.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := map[string]struct{}{}
	for id := range r.contexts {
		ids[id] = struct{}{}
	}
	for id := range r.hits {
		ids[id] = struct{}{}
	}
	for id := range r.spans {
		ids[id] = struct{}{}
	}
	for id := range r.timers {
		ids[id] = struct{}{}
	}
	return len(ids)
}
