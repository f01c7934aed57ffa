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
	"github.com/elastic/apm-live-probe/instrument"
)

// ReturnKey is the local variable key under which return values are captured.
const ReturnKey = "@return"

// ThisKey is the context key holding the receiver object of a call site.
const ThisKey = "@this"

type variable struct {
	name  string
	typ   string
	value interface{}
}

// scope keeps captured variables in capture order.
type scope struct {
	vars  []variable
	index map[string]int
}

func (s *scope) put(name, typ string, value interface{}) {
	if s.index == nil {
		s.index = map[string]int{}
	}
	if i, ok := s.index[name]; ok {
		s.vars[i] = variable{name: name, typ: typ, value: value}
		return
	}
	s.index[name] = len(s.vars)
	s.vars = append(s.vars, variable{name: name, typ: typ, value: value})
}

func (s *scope) get(name string) (variable, bool) {
	if i, ok := s.index[name]; ok {
		return s.vars[i], true
	}
	return variable{}, false
}

func (s *scope) values() map[string]interface{} {
	if len(s.vars) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(s.vars))
	for _, v := range s.vars {
		m[v.name] = v.value
	}
	return m
}

// captured is everything a call site handed over for one instrument.
type captured struct {
	locals  scope
	fields  scope
	statics scope
	context scope
}

func (c *captured) contextMap() instrument.ContextMap {
	if c == nil {
		return instrument.ContextMap{}
	}
	return instrument.ContextMap{
		LocalVariables: c.locals.values(),
		Fields:         c.fields.values(),
		StaticFields:   c.statics.values(),
	}
}

// lookup resolves a log argument against locals, then fields, then static
// fields.
func (c *captured) lookup(name string) (variable, bool) {
	if c == nil {
		return variable{}, false
	}
	for _, s := range []*scope{&c.locals, &c.fields, &c.statics} {
		if v, ok := s.get(name); ok && v.value != nil {
			return v, true
		}
	}
	return variable{}, false
}
