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

package lifespan

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DefaultInterval is the resolution of the shared clock.
const DefaultInterval = 100 * time.Millisecond

// Ticker is a monotonic source of coarse ticks.
type Ticker interface {
	Now() int64
}

// Clock counts ticks of a fixed interval from a background goroutine.
// The goroutine starts on the first call to Now and runs until Stop.
// Reading the counter never blocks.
type Clock struct {
	interval time.Duration
	ticks    atomic.Int64
	started  atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewClock returns a stopped clock ticking every interval.
func NewClock(interval time.Duration) *Clock {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Clock{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

var shared = NewClock(DefaultInterval)

// SharedClock returns the process wide clock. Whoever owns the process
// lifecycle must Stop it on shutdown.
func SharedClock() *Clock {
	return shared
}

// Now returns the number of elapsed ticks, starting the clock if needed.
// A stopped clock keeps returning its last value.
func (c *Clock) Now() int64 {
	c.startOnce.Do(c.start)
	return c.ticks.Load()
}

// Interval returns the tick interval.
func (c *Clock) Interval() time.Duration {
	return c.interval
}

func (c *Clock) start() {
	select {
	case <-c.stop:
		return
	default:
	}
	c.started.Store(true)
	go c.run()
}

func (c *Clock) run() {
	defer close(c.done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.ticks.Inc()
		}
	}
}

// Stop halts the clock and waits for its goroutine to exit. It is safe to
// call Stop on a clock that never started, and more than once.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		// Prevent a later Now from starting the goroutine.
		c.startOnce.Do(func() {})
	})
	if c.started.Load() {
		<-c.done
	}
}
