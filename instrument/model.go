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
	"strings"
	"time"

	"github.com/elastic/apm-live-probe/throttle"
)

// Kind is the type of a live instrument.
type Kind string

const (
	Breakpoint Kind = "BREAKPOINT"
	Log        Kind = "LOG"
	Meter      Kind = "METER"
	Span       Kind = "SPAN"
	Timer      Kind = "TIMER"
)

// Location identifies where an instrument is placed. Source is either a
// fully qualified class name or a method signature such as
// "com.example.Foo.bar(int)".
type Location struct {
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// ClassName returns the class the location refers to.
func (l Location) ClassName() string {
	if before, _, ok := strings.Cut(l.Source, "("); ok {
		if i := strings.LastIndexByte(before, '.'); i >= 0 {
			return before[:i]
		}
		return before
	}
	return l.Source
}

// Matches reports whether l refers to source and line, inner classes of
// source included.
func (l Location) Matches(source string, line int) bool {
	if l.Line != line {
		return false
	}
	return l.Source == source || strings.HasPrefix(l.Source, source+"$")
}

// ThrottleConfig caps how often an instrument may fire.
type ThrottleConfig struct {
	Limit int           `json:"limit"`
	Step  throttle.Step `json:"step"`
}

// MeterType is the kind of metric a meter instrument maintains.
type MeterType string

const (
	Count     MeterType = "COUNT"
	Gauge     MeterType = "GAUGE"
	Histogram MeterType = "HISTOGRAM"
)

// MetricValueType tells how a meter obtains its value.
type MetricValueType string

const (
	// Number is a literal numeric value.
	Number MetricValueType = "NUMBER"
	// NumberExpression is an expression evaluated against the captured
	// context which must yield a number.
	NumberExpression MetricValueType = "NUMBER_EXPRESSION"
	// ValueExpression is an expression whose value is reported as a log event.
	ValueExpression MetricValueType = "VALUE_EXPRESSION"
	// ObjectLifespan reports the average lifespan of sampled objects of the
	// type captured under the "@this" context key.
	ObjectLifespan MetricValueType = "OBJECT_LIFESPAN"
)

// MetricValue describes a meter value.
type MetricValue struct {
	ValueType MetricValueType `json:"valueType"`
	Value     string          `json:"value"`
}

// TagValueType tells how a meter tag obtains its value.
type TagValueType string

const (
	TagValue           TagValueType = "VALUE"
	TagValueExpression TagValueType = "VALUE_EXPRESSION"
)

// MeterTag is a label attached to a meter.
type MeterTag struct {
	Key       string       `json:"key"`
	ValueType TagValueType `json:"valueType"`
	Value     string       `json:"value"`
}

// LiveInstrument is the definition of a probe as sent by the control plane.
type LiveInstrument struct {
	ID       string   `json:"id"`
	Type     Kind     `json:"type"`
	Location Location `json:"location"`
	// Condition is an optional boolean expression evaluated against the
	// captured context before a hit is accepted.
	Condition string `json:"condition,omitempty"`
	// ExpiresAt is the expiry in epoch milliseconds, zero means never.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
	// HitLimit is the number of accepted hits after which the instrument
	// is removed. Values <= 0 mean unlimited.
	HitLimit         int             `json:"hitLimit,omitempty"`
	ApplyImmediately bool            `json:"applyImmediately,omitempty"`
	Throttle         *ThrottleConfig `json:"throttle,omitempty"`

	LogFormat    string   `json:"logFormat,omitempty"`
	LogArguments []string `json:"logArguments,omitempty"`

	MeterType   MeterType    `json:"meterType,omitempty"`
	MetricValue *MetricValue `json:"metricValue,omitempty"`
	MeterTags   []MeterTag   `json:"meterTags,omitempty"`

	OperationName string `json:"operationName,omitempty"`

	Meta map[string]string `json:"meta,omitempty"`
}

// Expired reports whether the instrument has expired at now.
func (li *LiveInstrument) Expired(now time.Time) bool {
	return li.ExpiresAt > 0 && now.UnixMilli() >= li.ExpiresAt
}

// CommandType is the type of a control plane command.
type CommandType string

const (
	AddInstrument    CommandType = "ADD_LIVE_INSTRUMENT"
	RemoveInstrument CommandType = "REMOVE_LIVE_INSTRUMENT"
)

// Command is a control plane request to add or remove instruments.
// Removal targets instrument ids and, independently, every instrument at
// the given locations.
type Command struct {
	Type        CommandType      `json:"commandType"`
	Instruments []LiveInstrument `json:"instruments,omitempty"`
	Locations   []Location       `json:"locations,omitempty"`
}

// ContextMap is the context captured for an instrument by its call site.
type ContextMap struct {
	LocalVariables map[string]interface{}
	Fields         map[string]interface{}
	StaticFields   map[string]interface{}
}

// Env returns the variables conditions and expressions are evaluated
// against. Captured names are available unqualified, locals shadowing
// fields shadowing static fields, and through the localVariables, fields
// and staticFields maps.
func (c ContextMap) Env() map[string]interface{} {
	env := make(map[string]interface{}, len(c.LocalVariables)+len(c.Fields)+len(c.StaticFields)+3)
	for _, m := range []map[string]interface{}{c.StaticFields, c.Fields, c.LocalVariables} {
		for k, v := range m {
			env[k] = v
		}
	}
	env["localVariables"] = orEmpty(c.LocalVariables)
	env["fields"] = orEmpty(c.Fields)
	env["staticFields"] = orEmpty(c.StaticFields)
	return env
}

// Lookup resolves name against local variables, then fields, then static
// fields.
func (c ContextMap) Lookup(name string) (interface{}, bool) {
	for _, m := range []map[string]interface{}{c.LocalVariables, c.Fields, c.StaticFields} {
		if v, ok := m[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
