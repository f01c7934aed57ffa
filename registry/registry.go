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

// Package registry keeps the set of live instruments and decides, per
// call site invocation, whether a hit is recorded.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/instrument"
	"github.com/elastic/apm-live-probe/throttle"
)

// DefaultSweepInterval is how often expired and pending instruments are
// revisited.
const DefaultSweepInterval = 5 * time.Second

// ErrMissingID is returned when applying an instrument without id.
var ErrMissingID = errors.New("live instrument id is required")

// ClassLocator tells whether a class is known to the process.
type ClassLocator interface {
	Contains(className string) bool
}

// Retransformer refreshes the instrumentation of a class after the set of
// instruments targeting it changed.
type Retransformer interface {
	Retransform(className string) error
}

// RetransformerFunc adapts a function to the Retransformer interface.
type RetransformerFunc func(className string) error

func (f RetransformerFunc) Retransform(className string) error {
	return f(className)
}

// Active is an applied or pending instrument and its runtime state.
type Active struct {
	Instrument instrument.LiveInstrument
	Throttle   *throttle.Throttle

	condition *vm.Program
	applied   atomic.Bool
	removed   atomic.Bool
	hits      atomic.Int64
}

// Applied reports whether the instrument is live, as opposed to waiting
// for its class to load.
func (a *Active) Applied() bool {
	return a.applied.Load()
}

// HitCount returns the number of hits that passed throttle and condition.
func (a *Active) HitCount() int64 {
	return a.hits.Load()
}

// Registry holds the live instruments of the process.
type Registry struct {
	logger        *zap.SugaredLogger
	publisher     instrument.Publisher
	locator       ClassLocator
	retransformer Retransformer
	now           func() time.Time
	sweepInterval time.Duration

	mu          sync.RWMutex
	instruments map[string]*Active
	onRemove    []func(id string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithPublisher sets where applied and removed events go.
func WithPublisher(p instrument.Publisher) Option {
	return func(r *Registry) {
		r.publisher = p
	}
}

// WithClassLocator makes instruments wait for their class to be known
// before they are applied.
func WithClassLocator(l ClassLocator) Option {
	return func(r *Registry) {
		r.locator = l
	}
}

// WithRetransformer sets the hook invoked when a class needs to be
// instrumented again.
func WithRetransformer(t Retransformer) Option {
	return func(r *Registry) {
		r.retransformer = t
	}
}

// WithClock replaces the wall clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithSweepInterval sets the interval of Run.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.sweepInterval = d
	}
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:        zap.NewNop().Sugar(),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		instruments:   map[string]*Active{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRemove registers a callback run after an instrument is removed, used to
// release per instrument state held elsewhere.
func (r *Registry) OnRemove(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Apply registers an instrument. Applying an id twice returns the
// existing instrument. When a class locator is set and the class is not
// loaded yet, the instrument stays pending until ClassLoaded or the next
// sweep, unless ApplyImmediately is set in which case CLASS_NOT_FOUND is
// returned.
func (r *Registry) Apply(li instrument.LiveInstrument) (*Active, error) {
	if li.ID == "" {
		return nil, ErrMissingID
	}
	r.mu.RLock()
	existing, ok := r.instruments[li.ID]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	a := &Active{Instrument: li}
	if li.Condition != "" {
		program, err := expr.Compile(li.Condition, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, instrument.NewError(instrument.ConditionalFailed, err.Error()).ToEventBus()
		}
		a.condition = program
	}
	if cfg := li.Throttle; cfg != nil && cfg.Limit > 0 {
		th, err := throttle.New(cfg.Limit, cfg.Step)
		if err != nil {
			return nil, fmt.Errorf("invalid throttle for live instrument %s: %w", li.ID, err)
		}
		a.Throttle = th
	} else {
		a.Throttle = throttle.Unlimited()
	}

	className := li.Location.ClassName()
	loaded := r.locator == nil || r.locator.Contains(className)
	if !loaded && li.ApplyImmediately {
		return nil, instrument.NewError(instrument.ClassNotFound, className).ToEventBus()
	}

	r.mu.Lock()
	if existing, ok := r.instruments[li.ID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.instruments[li.ID] = a
	r.mu.Unlock()

	if !loaded {
		r.logger.Debugf("Live instrument %s pending until class %s loads", li.ID, className)
		return a, nil
	}
	if err := r.activate(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Registry) activate(a *Active) error {
	if err := r.retransform(a.Instrument.Location.ClassName()); err != nil {
		r.remove(a, err)
		return err
	}
	if !a.applied.CompareAndSwap(false, true) {
		return nil
	}
	r.logger.Debugf("Live instrument %s applied at %s:%d", a.Instrument.ID, a.Instrument.Location.Source, a.Instrument.Location.Line)
	if r.publisher != nil {
		event, err := instrument.EncodeApplied(&a.Instrument, r.now())
		if err != nil {
			r.logger.Warnf("Failed to encode applied event for %s: %v", a.Instrument.ID, err)
			return nil
		}
		r.publisher.Publish(event)
	}
	return nil
}

func (r *Registry) retransform(className string) error {
	if r.retransformer == nil {
		return nil
	}
	if err := r.retransformer.Retransform(className); err != nil {
		return fmt.Errorf("failed to retransform %s: %w", className, err)
	}
	return nil
}

// ClassLoaded applies the pending instruments targeting className.
func (r *Registry) ClassLoaded(className string) {
	for _, a := range r.pending() {
		if a.Instrument.Location.ClassName() == className {
			if err := r.activate(a); err != nil {
				r.logger.Warnf("Failed to apply live instrument %s: %v", a.Instrument.ID, err)
			}
		}
	}
}

// IsInstrumentEnabled reports whether id is applied or pending.
func (r *Registry) IsInstrumentEnabled(id string) bool {
	_, ok := r.get(id)
	return ok
}

// Get returns an applied or pending instrument.
func (r *Registry) Get(id string) (*Active, bool) {
	return r.get(id)
}

func (r *Registry) get(id string) (*Active, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.instruments[id]
	return a, ok
}

// Instruments returns every applied and pending instrument, ordered by id.
func (r *Registry) Instruments() []*Active {
	r.mu.RLock()
	out := make([]*Active, 0, len(r.instruments))
	for _, a := range r.instruments {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.ID < out[j].Instrument.ID })
	return out
}

// Hit decides whether an invocation of id is recorded. The throttle is
// consulted first, then the condition against the captured context. A
// condition that fails to evaluate removes the instrument with a
// CONDITIONAL_FAILED cause. The hit that reaches the hit limit is still
// recorded and removes the instrument.
func (r *Registry) Hit(id string, ctx instrument.ContextMap) (*Active, bool) {
	a, ok := r.get(id)
	if !ok || !a.Applied() {
		return nil, false
	}
	if a.Instrument.Expired(r.now()) {
		r.remove(a, nil)
		return nil, false
	}
	if !a.Throttle.Tick() {
		return nil, false
	}
	if a.condition != nil {
		out, err := expr.Run(a.condition, ctx.Env())
		if err != nil {
			r.remove(a, instrument.NewError(instrument.ConditionalFailed, err.Error()).ToEventBus())
			return nil, false
		}
		if pass, _ := out.(bool); !pass {
			return nil, false
		}
	}

	n := a.hits.Inc()
	if limit := int64(a.Instrument.HitLimit); limit > 0 {
		if n > limit {
			return nil, false
		}
		if n == limit {
			r.remove(a, nil)
		}
	}
	return a, true
}

// Remove removes the instrument id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	a, ok := r.get(id)
	if !ok {
		return false
	}
	r.remove(a, nil)
	return true
}

// RemoveWithCause removes id, publishing cause with the removal event.
func (r *Registry) RemoveWithCause(id string, cause error) bool {
	a, ok := r.get(id)
	if !ok {
		return false
	}
	r.remove(a, cause)
	return true
}

// RemoveAt removes every instrument at source and line, inner classes of
// source included, and returns their ids.
func (r *Registry) RemoveAt(source string, line int) []string {
	var matched []*Active
	r.mu.RLock()
	for _, a := range r.instruments {
		if a.Instrument.Location.Matches(source, line) {
			matched = append(matched, a)
		}
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(matched))
	for _, a := range matched {
		r.remove(a, nil)
		ids = append(ids, a.Instrument.ID)
	}
	return ids
}

func (r *Registry) remove(a *Active, cause error) {
	if !a.removed.CompareAndSwap(false, true) {
		return
	}
	id := a.Instrument.ID
	r.mu.Lock()
	if r.instruments[id] == a {
		delete(r.instruments, id)
	}
	callbacks := r.onRemove
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(id)
	}
	if a.Applied() {
		if err := r.retransform(a.Instrument.Location.ClassName()); err != nil {
			r.logger.Warnf("Live instrument %s removed but class not restored: %v", id, err)
		}
	}
	if cause != nil {
		r.logger.Infof("Live instrument %s removed: %v", id, cause)
	} else {
		r.logger.Debugf("Live instrument %s removed", id)
	}

	if r.publisher == nil {
		return
	}
	event, err := instrument.EncodeRemoved(&a.Instrument, r.now(), cause)
	if err != nil {
		r.logger.Warnf("Failed to encode removed event for %s: %v", id, err)
		return
	}
	r.publisher.Publish(event)
}

func (r *Registry) pending() []*Active {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Active
	for _, a := range r.instruments {
		if !a.Applied() {
			out = append(out, a)
		}
	}
	return out
}

// Sweep removes expired instruments and retries pending ones.
func (r *Registry) Sweep() {
	now := r.now()
	r.mu.RLock()
	all := make([]*Active, 0, len(r.instruments))
	for _, a := range r.instruments {
		all = append(all, a)
	}
	r.mu.RUnlock()

	for _, a := range all {
		switch {
		case a.Instrument.Expired(now):
			r.remove(a, nil)
		case !a.Applied() && r.locator != nil && r.locator.Contains(a.Instrument.Location.ClassName()):
			if err := r.activate(a); err != nil {
				r.logger.Warnf("Failed to apply live instrument %s: %v", a.Instrument.ID, err)
			}
		}
	}
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Live instrument sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Len returns the number of applied and pending instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
