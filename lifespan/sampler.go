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

// Package lifespan estimates how long sampled objects stay reachable.
package lifespan

import (
	"errors"
	"reflect"
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

// DefaultScale converts ticks of the default clock to milliseconds.
const DefaultScale = 100

var (
	// ErrNotPointer is returned when the observed value is not a non-nil pointer.
	ErrNotPointer = errors.New("lifespan: observed value must be a non-nil pointer")
	// ErrZeroSize is returned for pointers to zero sized values, which do
	// not have a distinct allocation to watch.
	ErrZeroSize = errors.New("lifespan: observed value has zero size")
)

type sample struct {
	key     string
	created int64
	cleanup runtime.Cleanup
}

// Sampler accumulates the lifespan of observed objects per type key. The
// accumulated total is drained on read.
type Sampler struct {
	clock Ticker
	scale float64

	nextID     atomic.Uint64
	samples    sync.Map // uint64 -> *sample
	aggregates sync.Map // string -> *atomic.Int64

	// queued counts reclaimed ids not drained yet. drain skips the lock
	// while it is zero.
	queued    atomic.Int64
	mu        sync.Mutex
	reclaimed []uint64
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithTicker replaces the shared clock.
func WithTicker(t Ticker) SamplerOption {
	return func(s *Sampler) {
		s.clock = t
	}
}

// WithScale sets the factor applied to accumulated ticks on read.
func WithScale(scale float64) SamplerOption {
	return func(s *Sampler) {
		s.scale = scale
	}
}

// NewSampler returns a Sampler reading the shared clock.
func NewSampler(opts ...SamplerOption) *Sampler {
	s := &Sampler{
		clock: SharedClock(),
		scale: DefaultScale,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe starts watching obj under key and returns the lifespan
// accumulated for key since the previous read, scaled. obj must be a
// pointer to heap memory; pointers to globals are accepted but never
// reported as reclaimed.
func (s *Sampler) Observe(key string, obj interface{}) (float64, error) {
	s.drain()
	if err := s.watch(key, obj); err != nil {
		return 0, err
	}
	return s.take(key), nil
}

// Drain folds every object reclaimed so far into its key's total without
// registering anything.
func (s *Sampler) Drain() {
	s.drain()
}

// Peek returns the scaled total of key without resetting it.
func (s *Sampler) Peek(key string) float64 {
	if v, ok := s.aggregates.Load(key); ok {
		return float64(v.(*atomic.Int64).Load()) * s.scale
	}
	return 0
}

// Pending returns the number of watched objects not yet folded.
func (s *Sampler) Pending() int {
	n := 0
	s.samples.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Close stops watching every pending object.
func (s *Sampler) Close() {
	s.samples.Range(func(k, v interface{}) bool {
		v.(*sample).cleanup.Stop()
		s.samples.Delete(k)
		return true
	})
}

func (s *Sampler) watch(key string, obj interface{}) error {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return ErrNotPointer
	}
	if v.Type().Elem().Size() == 0 {
		return ErrZeroSize
	}

	id := s.nextID.Inc()
	smp := &sample{key: key, created: s.clock.Now()}
	smp.cleanup = runtime.AddCleanup((*byte)(v.UnsafePointer()), s.reclaim, id)
	s.samples.Store(id, smp)
	// obj must stay reachable until the sample is stored.
	runtime.KeepAlive(obj)
	return nil
}

// reclaim runs on the runtime cleanup goroutine and must stay short.
func (s *Sampler) reclaim(id uint64) {
	s.mu.Lock()
	s.reclaimed = append(s.reclaimed, id)
	s.queued.Inc()
	s.mu.Unlock()
}

// drain consumes only what is already queued.
func (s *Sampler) drain() {
	if s.queued.Load() == 0 {
		return
	}
	s.mu.Lock()
	queued := s.reclaimed
	s.reclaimed = nil
	s.queued.Store(0)
	s.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	now := s.clock.Now()
	for _, id := range queued {
		v, ok := s.samples.LoadAndDelete(id)
		if !ok {
			continue
		}
		smp := v.(*sample)
		s.aggregate(smp.key).Add(now - smp.created)
	}
}

func (s *Sampler) aggregate(key string) *atomic.Int64 {
	if v, ok := s.aggregates.Load(key); ok {
		return v.(*atomic.Int64)
	}
	v, _ := s.aggregates.LoadOrStore(key, atomic.NewInt64(0))
	return v.(*atomic.Int64)
}

func (s *Sampler) take(key string) float64 {
	v, ok := s.aggregates.Load(key)
	if !ok {
		return 0
	}
	return float64(v.(*atomic.Int64).Swap(0)) * s.scale
}
