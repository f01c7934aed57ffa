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

// Package throttle implements the fixed-window hit limiter attached to
// every live instrument.
package throttle

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Step is the width of a throttle window.
type Step string

const (
	Second Step = "SECOND"
	Minute Step = "MINUTE"
	Hour   Step = "HOUR"
	Day    Step = "DAY"
)

// Duration returns the window width, or zero for an unknown step.
func (s Step) Duration() time.Duration {
	switch s {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// ParseStep parses a step name case-insensitively.
func ParseStep(s string) (Step, error) {
	step := Step(strings.ToUpper(strings.TrimSpace(s)))
	if step.Duration() == 0 {
		return "", fmt.Errorf("unknown throttle step %q", s)
	}
	return step, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Step) UnmarshalText(text []byte) error {
	step, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// ErrInvalidLimit is returned by New for a non positive limit.
var ErrInvalidLimit = errors.New("throttle limit must be greater than zero")

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces the wall clock used to place hits in windows.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) {
		t.now = now
	}
}

// Throttle admits at most limit hits per window. Windows are aligned on
// multiples of the step duration. A zero Throttle is not usable, build one
// with New or Unlimited.
type Throttle struct {
	limit    int
	step     time.Duration
	stepName Step
	now      func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
	rateLimited bool

	totalHits    atomic.Int64
	totalLimited atomic.Int64
}

// New returns a Throttle admitting limit hits per step.
func New(limit int, step Step, opts ...Option) (*Throttle, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	d := step.Duration()
	if d == 0 {
		return nil, fmt.Errorf("unknown throttle step %q", step)
	}
	t := &Throttle{
		limit:    limit,
		step:     d,
		stepName: step,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Unlimited returns a Throttle that admits every hit while still counting them.
func Unlimited() *Throttle {
	return &Throttle{now: time.Now}
}

// Tick records a hit and reports whether it is admitted.
func (t *Throttle) Tick() bool {
	t.totalHits.Inc()
	if t.limit <= 0 {
		return true
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if start := now.Truncate(t.step); start.After(t.windowStart) {
		t.windowStart = start
		t.windowCount = 0
		t.rateLimited = false
	}
	if t.windowCount < t.limit {
		t.windowCount++
		return true
	}
	t.rateLimited = true
	t.totalLimited.Inc()
	return false
}

// IsRateLimited reports whether the current window rejected a hit.
func (t *Throttle) IsRateLimited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLimited
}

// TotalHitCount returns the number of hits seen, admitted or not.
func (t *Throttle) TotalHitCount() int64 {
	return t.totalHits.Load()
}

// TotalLimitedCount returns the number of rejected hits.
func (t *Throttle) TotalLimitedCount() int64 {
	return t.totalLimited.Load()
}

// AllowedCount returns the number of admitted hits.
func (t *Throttle) AllowedCount() int64 {
	return t.totalHits.Load() - t.totalLimited.Load()
}

// String returns the configured rate, e.g. 10/SECOND.
func (t *Throttle) String() string {
	if t.limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d/%s", t.limit, t.stepName)
}
