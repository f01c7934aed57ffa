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
	"fmt"
	"strings"

	"go.elastic.co/fastjson"
)

// ErrorKind classifies a failure raised while evaluating a live instrument.
type ErrorKind string

const (
	// ClassNotFound is reported when no metadata exists for the class
	// referenced by an instrument location.
	ClassNotFound ErrorKind = "CLASS_NOT_FOUND"

	// ConditionalFailed is reported when the condition attached to an
	// instrument cannot be compiled or raises during evaluation.
	ConditionalFailed ErrorKind = "CONDITIONAL_FAILED"
)

const eventBusPrefix = "EventBusException:LiveInstrumentException"

// Error is an instrumentation failure. It is produced on the probe hot path
// and therefore carries only a kind and a message, never a stack trace.
type Error struct {
	Kind    ErrorKind `json:"errorKind"`
	Message string    `json:"message"`
}

// NewError returns an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf returns an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// ToEventBus wraps the error using the convention expected by the collector
// when an error is re-exported across the transport boundary:
//
//	EventBusException:LiveInstrumentException[<kind>]: <message>
func (e *Error) ToEventBus() *Error {
	return &Error{
		Kind:    e.Kind,
		Message: fmt.Sprintf("%s[%s]: %s", eventBusPrefix, e.Kind, e.Message),
	}
}

// MarshalFastJSON writes the wire envelope {"errorKind":...,"message":...}.
func (e *Error) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"errorKind":`)
	w.String(string(e.Kind))
	w.RawString(`,"message":`)
	w.String(e.Message)
	w.RawByte('}')
	return nil
}

// ParseEventBus reverses ToEventBus. The returned error holds the
// unwrapped message.
func ParseEventBus(s string) (*Error, bool) {
	rest, ok := strings.CutPrefix(s, eventBusPrefix+"[")
	if !ok {
		return nil, false
	}
	kind, msg, ok := strings.Cut(rest, "]: ")
	if !ok || kind == "" {
		return nil, false
	}
	return &Error{Kind: ErrorKind(kind), Message: msg}, true
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind == kind
	}
	return false
}
