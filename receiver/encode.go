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

package receiver

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/elastic/apm-live-probe/instrument"
)

// Skip reasons reported in place of a variable value.
const (
	skipException       = "EXCEPTION_OCCURRED"
	skipMaxSizeExceeded = "MAX_SIZE_EXCEEDED"
)

// identity returns a hex identity for reference values.
func identity(value interface{}) (string, bool) {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return "", false
		}
		return strconv.FormatUint(uint64(v.Pointer()), 16), true
	}
	return "", false
}

// writeVariable writes {"@class":type,"@id":id,"<name>":value}. A value
// that cannot be encoded, or whose encoding is larger than maxSize, is
// replaced by a skip marker.
func writeVariable(w *fastjson.Writer, v variable, maxSize int) {
	start := w.Size()
	w.RawString(`{"@class":`)
	w.String(v.typ)
	if v.value == nil {
		w.RawString(`,"@null":true,`)
		w.String(v.name)
		w.RawString(":null}")
		return
	}
	id, hasID := identity(v.value)
	if hasID {
		w.RawString(`,"@id":`)
		w.String(id)
	}
	w.RawByte(',')
	w.String(v.name)
	w.RawByte(':')
	valueStart := w.Size()
	err := fastjson.Marshal(w, v.value)
	size := w.Size() - valueStart
	if err == nil && (maxSize <= 0 || size <= maxSize) {
		w.RawByte('}')
		return
	}

	w.Rewind(start)
	w.RawString(`{"@class":`)
	w.String(v.typ)
	if hasID {
		w.RawString(`,"@id":`)
		w.String(id)
	}
	w.RawByte(',')
	w.String(v.name)
	w.RawByte(':')
	ref := v.typ
	if hasID {
		ref += "@" + id
	}
	w.String(ref)
	if err != nil {
		w.RawString(`,"@skip":"` + skipException + `","@cause":`)
		w.String(err.Error())
	} else {
		w.RawString(`,"@skip":"` + skipMaxSizeExceeded + `","@size":`)
		w.Int64(int64(size))
	}
	w.RawByte('}')
}

func writeScope(w *fastjson.Writer, key string, s *scope, maxSize int) {
	w.RawByte('"')
	w.RawString(key)
	w.RawString(`":[`)
	for i, v := range s.vars {
		if i > 0 {
			w.RawByte(',')
		}
		writeVariable(w, v, maxSize)
	}
	w.RawByte(']')
}

func writeTrace(w *fastjson.Writer, sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}
	w.RawString(`,"trace":{"id":`)
	w.String(sc.TraceID().String())
	w.RawString(`,"span_id":`)
	w.String(sc.SpanID().String())
	w.RawByte('}')
}

func encodeBreakpoint(id, source string, line int, c *captured, stack []instrument.Frame, sc trace.SpanContext, at time.Time, maxSize int) []byte {
	if c == nil {
		c = &captured{}
	}
	var w fastjson.Writer
	w.RawString(`{"` + instrument.BreakpointHitEvent + `":{"instrument_id":`)
	w.String(id)
	w.RawString(`,"location":{"source":`)
	w.String(source)
	w.RawString(`,"line":`)
	w.Int64(int64(line))
	w.RawString(`},"occurred_at":`)
	w.Int64(at.UnixMilli())
	w.RawString(`,"variables":{`)
	writeScope(&w, "local", &c.locals, maxSize)
	w.RawByte(',')
	writeScope(&w, "fields", &c.fields, maxSize)
	w.RawByte(',')
	writeScope(&w, "static_fields", &c.statics, maxSize)
	w.RawString(`},"stack":[`)
	for i, f := range stack {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawString(`{"class":`)
		w.String(f.Class)
		w.RawString(`,"method":`)
		w.String(f.Method)
		if f.File != "" {
			w.RawString(`,"file":`)
			w.String(f.File)
		}
		w.RawString(`,"line":`)
		w.Int64(int64(f.Line))
		w.RawByte('}')
	}
	w.RawByte(']')
	writeTrace(&w, sc)
	w.RawString("}}")
	return w.Bytes()
}

func encodeLog(id, format string, args []string, sc trace.SpanContext, at time.Time) []byte {
	var w fastjson.Writer
	w.RawString(`{"` + instrument.LogHitEvent + `":{"instrument_id":`)
	w.String(id)
	w.RawString(`,"level":"Live","format":`)
	w.String(format)
	w.RawString(`,"message":`)
	w.String(renderLog(format, args))
	w.RawString(`,"arguments":[`)
	for i, a := range args {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(a)
	}
	w.RawString(`],"occurred_at":`)
	w.Int64(at.UnixMilli())
	writeTrace(&w, sc)
	w.RawString("}}")
	return w.Bytes()
}

func encodeMeterValue(id, metricID, value string, at time.Time) []byte {
	var w fastjson.Writer
	w.RawString(`{"` + instrument.LogHitEvent + `":{"meter_id":`)
	w.String(id)
	w.RawString(`,"metric_id":`)
	w.String(metricID)
	w.RawString(`,"message":`)
	w.String(value)
	w.RawString(`,"occurred_at":`)
	w.Int64(at.UnixMilli())
	w.RawString("}}")
	return w.Bytes()
}

// renderLog substitutes {} placeholders in order. Placeholders without a
// matching argument are kept.
func renderLog(format string, args []string) string {
	if len(args) == 0 {
		return format
	}
	var b strings.Builder
	b.Grow(len(format))
	rest := format
	for _, a := range args {
		i := strings.Index(rest, "{}")
		if i < 0 {
			break
		}
		b.WriteString(rest[:i])
		b.WriteString(a)
		rest = rest[i+2:]
	}
	b.WriteString(rest)
	return b.String()
}

// stringify renders a captured value as a log argument.
func stringify(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}
