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

import (
	"errors"
	"time"

	"go.elastic.co/fastjson"
)

// Event types. Every event is a single JSON object whose only key is the
// event type, the same shape used for APM intake events.
const (
	AppliedEvent       = "instrument_applied"
	RemovedEvent       = "instrument_removed"
	BreakpointHitEvent = "breakpoint_hit"
	LogHitEvent        = "log_hit"
)

// EncodeApplied encodes the event published once an instrument is live.
func EncodeApplied(li *LiveInstrument, occurredAt time.Time) ([]byte, error) {
	var w fastjson.Writer
	w.RawString(`{"` + AppliedEvent + `":{"instrument":`)
	if err := fastjson.Marshal(&w, li); err != nil {
		return nil, err
	}
	w.RawString(`,"occurred_at":`)
	w.Int64(occurredAt.UnixMilli())
	w.RawString("}}")
	return w.Bytes(), nil
}

// EncodeRemoved encodes the event published when an instrument is removed.
// cause is nil for a regular removal.
func EncodeRemoved(li *LiveInstrument, occurredAt time.Time, cause error) ([]byte, error) {
	var w fastjson.Writer
	w.RawString(`{"` + RemovedEvent + `":{"instrument":`)
	if err := fastjson.Marshal(&w, li); err != nil {
		return nil, err
	}
	w.RawString(`,"occurred_at":`)
	w.Int64(occurredAt.UnixMilli())
	writeCause(&w, cause)
	w.RawString("}}")
	return w.Bytes(), nil
}

// EncodeCommandError encodes the removal event published when a control
// plane command could not be processed.
func EncodeCommandError(command []byte, occurredAt time.Time, cause error) []byte {
	var w fastjson.Writer
	w.RawString(`{"` + RemovedEvent + `":{"command":`)
	w.String(string(command))
	w.RawString(`,"occurred_at":`)
	w.Int64(occurredAt.UnixMilli())
	writeCause(&w, cause)
	w.RawString("}}")
	return w.Bytes()
}

func writeCause(w *fastjson.Writer, cause error) {
	if cause == nil {
		return
	}
	w.RawString(`,"cause":`)
	var ie *Error
	if errors.As(cause, &ie) {
		_ = ie.MarshalFastJSON(w)
		return
	}
	w.RawString(`{"message":`)
	w.String(cause.Error())
	w.RawByte('}')
}
