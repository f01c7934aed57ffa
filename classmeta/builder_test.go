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

package classmeta_test

import (
	"encoding/binary"
)

// classBuilder assembles minimal classfiles for tests.
type classBuilder struct {
	name    string
	access  uint16
	pool    []byte
	next    uint16
	utf8s   map[string]uint16
	classes map[string]uint16

	fields  [][]byte
	methods [][]byte
	inner   []string
}

type testLine struct {
	pc, line uint16
}

type testVar struct {
	start, length uint16
	name, desc    string
	slot          uint16
}

type testMethod struct {
	access   uint16
	name     string
	desc     string
	noCode   bool
	codeLen  int
	lines    []testLine
	vars     []testVar
	truncLVT bool
	// className points the name index at a Class constant.
	className bool
}

func newClassBuilder(name string) *classBuilder {
	b := &classBuilder{
		name:    name,
		access:  0x0021, // public super
		next:    1,
		utf8s:   map[string]uint16{},
		classes: map[string]uint16{},
	}
	// An 8 byte constant up front shifts every later index by two.
	b.pool = append(b.pool, 5)
	b.pool = binary.BigEndian.AppendUint64(b.pool, 42)
	b.next += 2
	return b
}

func (b *classBuilder) utf8(s string) uint16 {
	if i, ok := b.utf8s[s]; ok {
		return i
	}
	b.pool = append(b.pool, 1)
	b.pool = binary.BigEndian.AppendUint16(b.pool, uint16(len(s)))
	b.pool = append(b.pool, s...)
	i := b.next
	b.next++
	b.utf8s[s] = i
	return i
}

func (b *classBuilder) class(name string) uint16 {
	if i, ok := b.classes[name]; ok {
		return i
	}
	nameIdx := b.utf8(name)
	b.pool = append(b.pool, 7)
	b.pool = binary.BigEndian.AppendUint16(b.pool, nameIdx)
	i := b.next
	b.next++
	b.classes[name] = i
	return i
}

func (b *classBuilder) field(access uint16, name, desc string) *classBuilder {
	var f []byte
	f = binary.BigEndian.AppendUint16(f, access)
	f = binary.BigEndian.AppendUint16(f, b.utf8(name))
	f = binary.BigEndian.AppendUint16(f, b.utf8(desc))
	f = binary.BigEndian.AppendUint16(f, 0)
	b.fields = append(b.fields, f)
	return b
}

func (b *classBuilder) innerClass(name string) *classBuilder {
	b.inner = append(b.inner, name)
	return b
}

func (b *classBuilder) attribute(dst []byte, name string, body []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, b.utf8(name))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

func (b *classBuilder) method(m testMethod) *classBuilder {
	var out []byte
	out = binary.BigEndian.AppendUint16(out, m.access)
	if m.className {
		out = binary.BigEndian.AppendUint16(out, b.class("java/lang/Object"))
	} else {
		out = binary.BigEndian.AppendUint16(out, b.utf8(m.name))
	}
	out = binary.BigEndian.AppendUint16(out, b.utf8(m.desc))
	if m.noCode {
		out = binary.BigEndian.AppendUint16(out, 0)
		b.methods = append(b.methods, out)
		return b
	}
	out = binary.BigEndian.AppendUint16(out, 1)

	var lnt []byte
	lnt = binary.BigEndian.AppendUint16(lnt, uint16(len(m.lines)))
	for _, l := range m.lines {
		lnt = binary.BigEndian.AppendUint16(lnt, l.pc)
		lnt = binary.BigEndian.AppendUint16(lnt, l.line)
	}

	var lvt []byte
	count := len(m.vars)
	if m.truncLVT {
		count++
	}
	lvt = binary.BigEndian.AppendUint16(lvt, uint16(count))
	for _, v := range m.vars {
		lvt = binary.BigEndian.AppendUint16(lvt, v.start)
		lvt = binary.BigEndian.AppendUint16(lvt, v.length)
		lvt = binary.BigEndian.AppendUint16(lvt, b.utf8(v.name))
		lvt = binary.BigEndian.AppendUint16(lvt, b.utf8(v.desc))
		lvt = binary.BigEndian.AppendUint16(lvt, v.slot)
	}
	if m.truncLVT {
		lvt = append(lvt, 0, 1)
	}

	var code []byte
	code = binary.BigEndian.AppendUint16(code, 4) // max_stack
	code = binary.BigEndian.AppendUint16(code, 4) // max_locals
	code = binary.BigEndian.AppendUint32(code, uint32(m.codeLen))
	code = append(code, make([]byte, m.codeLen)...)
	code = binary.BigEndian.AppendUint16(code, 0) // exception table
	code = binary.BigEndian.AppendUint16(code, 2)
	code = b.attribute(code, "LineNumberTable", lnt)
	code = b.attribute(code, "LocalVariableTable", lvt)

	out = b.attribute(out, "Code", code)
	b.methods = append(b.methods, out)
	return b
}

func (b *classBuilder) bytes() []byte {
	this := b.class(b.name)
	super := b.class("java/lang/Object")

	var attrs []byte
	attrCount := 0
	if len(b.inner) > 0 {
		var body []byte
		body = binary.BigEndian.AppendUint16(body, uint16(len(b.inner)))
		for _, n := range b.inner {
			body = binary.BigEndian.AppendUint16(body, b.class(n))
			body = binary.BigEndian.AppendUint16(body, this)
			body = binary.BigEndian.AppendUint16(body, 0)
			body = binary.BigEndian.AppendUint16(body, 0x0008)
		}
		attrs = b.attribute(attrs, "InnerClasses", body)
		attrCount++
	}
	// Source file attribute the scanner must skip.
	attrs = b.attribute(attrs, "SourceFile", binary.BigEndian.AppendUint16(nil, b.utf8("Foo.java")))
	attrCount++

	var out []byte
	out = binary.BigEndian.AppendUint32(out, 0xCAFEBABE)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = binary.BigEndian.AppendUint16(out, 52)
	out = binary.BigEndian.AppendUint16(out, b.next)
	out = append(out, b.pool...)
	out = binary.BigEndian.AppendUint16(out, b.access)
	out = binary.BigEndian.AppendUint16(out, this)
	out = binary.BigEndian.AppendUint16(out, super)
	out = binary.BigEndian.AppendUint16(out, 0)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.fields)))
	for _, f := range b.fields {
		out = append(out, f...)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.methods)))
	for _, m := range b.methods {
		out = append(out, m...)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(attrCount))
	return append(out, attrs...)
}
