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

package instrument

// Frame is one element of the stack captured at a breakpoint.
type Frame struct {
	Class  string
	Method string
	File   string
	Line   int
}

// Sink is the surface every injected call site depends on. Implementations
// must not block and must never panic into the caller: every method is
// fire-and-forget from the instrumented code's perspective, except
// CloseLocalSpanAndPropagate which returns the failure it was given.
type Sink interface {
	IsInstrumentEnabled(id string) bool
	IsHit(id string) bool

	PutBreakpoint(id, source string, line int, stack []Frame)
	PutLog(id, format string, args ...string)
	PutMeter(id string)

	OpenLocalSpan(id string)
	CloseLocalSpan(id string)
	// CloseLocalSpanAndPropagate closes the span opened for id, records
	// cause on it and returns cause unmodified.
	CloseLocalSpanAndPropagate(cause error, id string) error

	PutContext(id, key string, value interface{}, typ string)
	PutLocalVariable(id, key string, value interface{}, typ string)
	PutField(id, key string, value interface{}, typ string)
	PutStaticField(id, key string, value interface{}, typ string)
	PutReturn(id string, value interface{}, typ string)

	StartTimer(id string)
	StopTimer(id string)
}

// Publisher accepts fully encoded events, one ndjson line each, and relays
// them to the collector. Publish must not block.
type Publisher interface {
	Publish(event []byte)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(event []byte)

func (f PublisherFunc) Publish(event []byte) {
	f(event)
}
