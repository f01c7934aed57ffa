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

package accumulator

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrMetadataUnavailable is returned when an event is added to the
	// batch before metadata is set.
	ErrMetadataUnavailable = errors.New("metadata is not yet available")
	// ErrBatchFull signfies that the batch has reached full capacity
	// and cannot accept more entries.
	ErrBatchFull = errors.New("batch is full")
	// ErrInvalidEvent is returned for events that are not a single
	// JSON object.
	ErrInvalidEvent = errors.New("event is not a valid json object")
)

var (
	maxSizeThreshold = 0.9
	zeroTime         = time.Time{}
	newLineSep       = []byte("\n")
	space            = []byte(" ")
)

// Batch holds the events that have not yet been shipped to the collector
// as ndjson. The first line is always the probe metadata, every following
// line is one event.
type Batch struct {
	mu sync.RWMutex
	// metadataBytes is the size of the metadata in bytes
	metadataBytes int
	// buf holds data that is ready to be shipped to the collector
	buf     bytes.Buffer
	count   int
	age     time.Time
	maxSize int
	maxAge  time.Duration
	// stats counts the events added since the batch was created, per
	// event type.
	stats map[string]int
	now   func() time.Time
}

// NewBatch creates a new Batch which can accept a maximum number of
// events as specified by the arguments.
func NewBatch(maxSize int, maxAge time.Duration) *Batch {
	return &Batch{
		maxSize: maxSize,
		maxAge:  maxAge,
		stats:   make(map[string]int),
		now:     time.Now,
	}
}

// SetMetadata sets the metadata line of the batch. Events already in the
// batch are kept.
func (b *Batch) SetMetadata(metadata []byte) error {
	metadata = bytes.TrimSpace(metadata)
	if !isObject(metadata) {
		return ErrInvalidEvent
	}
	metadata = bytes.ReplaceAll(metadata, newLineSep, space)

	b.mu.Lock()
	defer b.mu.Unlock()
	events := append([]byte(nil), b.buf.Bytes()[b.metadataBytes:]...)
	b.buf.Reset()
	b.metadataBytes, _ = b.buf.Write(metadata)
	b.buf.Write(events)
	return nil
}

// HasMetadata reports whether SetMetadata has been called.
func (b *Batch) HasMetadata() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metadataBytes > 0
}

// Add adds an event to the batch. Returns ErrBatchFull if batch has
// reached its maximum size.
func (b *Batch) Add(event []byte) error {
	event = bytes.TrimSpace(event)
	if len(event) == 0 {
		return nil
	}
	if !isObject(event) {
		return ErrInvalidEvent
	}
	// Unescaped newlines can only be whitespace in valid JSON.
	event = bytes.ReplaceAll(event, newLineSep, space)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count >= b.maxSize {
		return ErrBatchFull
	}
	if b.metadataBytes == 0 {
		return ErrMetadataUnavailable
	}
	if err := b.buf.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := b.buf.Write(event); err != nil {
		return err
	}
	if b.count == 0 {
		// For first entry, set the age of the batch
		b.age = b.now()
	}
	b.count++
	b.stats[string(findEventType(event))]++
	return nil
}

// Count return the number of events in batch.
func (b *Batch) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// ShouldShip indicates when a batch is ready for sending.
// A batch is marked as ready for flush when one of the
// below conditions is reached:
// 1. max size is greater than threshold (90% of maxSize)
// 2. batch is older than maturity age
func (b *Batch) ShouldShip() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return (b.count >= int(float64(b.maxSize)*maxSizeThreshold)) ||
		(!b.age.IsZero() && b.now().Sub(b.age) > b.maxAge)
}

// Reset resets the batch to prepare for new set of data. Metadata is
// kept.
func (b *Batch) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count, b.age = 0, zeroTime
	b.buf.Truncate(b.metadataBytes)
}

// Bytes returns a copy of the metadata followed by the accumulated events.
func (b *Batch) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Stats returns the number of events added per event type.
func (b *Batch) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.stats))
	for k, v := range b.stats {
		out[k] = v
	}
	return out
}

func isObject(body []byte) bool {
	return len(body) > 0 && body[0] == '{' && gjson.ValidBytes(body)
}
