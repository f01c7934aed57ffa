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

// Package classmeta extracts variable scope metadata from compiled JVM
// classes. A ClassMetadata tells which local variables are live at a given
// bytecode offset of a method, and which fields the class declares.
package classmeta

import (
	"regexp"
	"sort"
	"strings"
)

const (
	accStatic    = 0x0008
	accInterface = 0x0200
	accAbstract  = 0x0400
)

var (
	ignoredNames = regexp.MustCompile(`^(?:(_\$EnhancedClassField_ws)|((delegate|cachedValue)\$[a-zA-Z0-9$]+))$`)
	ignoredTypes = map[string]struct{}{
		"Lgroovy/lang/MetaClass;": {},
	}
)

// Variable is a local variable as recorded in a method's debug table.
// Start and End are bytecode offsets bounding the scope, End exclusive.
type Variable struct {
	Name       string `json:"name"`
	Descriptor string `json:"desc"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	// Line is the source line of the scope start. When no line entry
	// starts exactly at Start the nearest preceding entry is used.
	Line    int `json:"line"`
	EndLine int `json:"endLine"`
	Slot    int `json:"index"`
}

// Field is a field declared by a class.
type Field struct {
	Access     uint16 `json:"access"`
	Name       string `json:"name"`
	Descriptor string `json:"desc"`
}

// Static reports whether the field is static.
func (f Field) Static() bool {
	return f.Access&accStatic != 0
}

// ClassMetadata is the scope information of one class version. It is
// immutable once built.
type ClassMetadata struct {
	ClassName    string   `json:"className"`
	Concrete     bool     `json:"concrete"`
	Fields       []Field  `json:"fields"`
	StaticFields []Field  `json:"staticFields"`
	InnerClasses []string `json:"innerClasses"`
	// Variables maps a method key (name followed by descriptor) to its
	// variables in debug table order.
	Variables map[string][]Variable `json:"variables"`
	// Malformed is set when the class bytes could not be decoded to the
	// end. Members decoded before the failure are kept.
	Malformed bool `json:"malformed,omitempty"`
}

// MethodKey returns the key identifying a method overload.
func MethodKey(name, descriptor string) string {
	return name + descriptor
}

// VariablesAt returns the variables of method whose scope covers offset.
func (m *ClassMetadata) VariablesAt(method string, offset int) []Variable {
	var live []Variable
	for _, v := range m.Variables[method] {
		if offset >= v.Start && offset < v.End {
			live = append(live, v)
		}
	}
	return live
}

// Field looks up a field by name, instance fields first.
func (m *ClassMetadata) Field(name string) (Field, bool) {
	for _, fs := range [][]Field{m.Fields, m.StaticFields} {
		for _, f := range fs {
			if f.Name == name {
				return f, true
			}
		}
	}
	return Field{}, false
}

// Build scans class bytes once and returns their metadata. Build never
// fails: bytes that end or break early produce metadata marked Malformed
// holding the members read so far, a member whose name or descriptor
// cannot be resolved is skipped, and a method whose code attribute cannot
// be decoded gets an empty variable list. The returned error reports what
// was degraded and is nil for a clean scan.
func Build(className string, class []byte) (*ClassMetadata, error) {
	m := &ClassMetadata{
		ClassName: toDotted(className),
		Variables: map[string][]Variable{},
	}
	s := scanner{m: m}
	if err := s.scan(class); err != nil {
		m.Malformed = true
		return m, err
	}
	return m, s.degraded
}

type scanner struct {
	m *ClassMetadata
	// degraded is the first recoverable failure.
	degraded error
}

func (s *scanner) degrade(err error) {
	if s.degraded == nil {
		s.degraded = err
	}
}

func (s *scanner) scan(class []byte) error {
	m := s.m
	r := &reader{buf: class}
	if r.u4() != classMagic {
		r.fail("bad magic")
	}
	r.skip(4) // minor, major
	cp := readConstantPool(r)
	access := r.u2()
	thisClass := r.u2()
	r.skip(2) // super
	r.skip(2 * int(r.u2()))
	if r.err != nil {
		return r.err
	}
	m.Concrete = access&(accInterface|accAbstract) == 0

	internalName, err := cp.className(thisClass)
	if err != nil {
		return err
	}

	for n := int(r.u2()); n > 0 && r.err == nil; n-- {
		f, err := readMember(r, cp)
		if r.err != nil {
			return r.err
		}
		if err != nil {
			s.degrade(err)
			continue
		}
		if ignoredField(f) {
			continue
		}
		if f.Static() {
			m.StaticFields = append(m.StaticFields, f.Field)
		} else {
			m.Fields = append(m.Fields, f.Field)
		}
	}

	for n := int(r.u2()); n > 0 && r.err == nil; n-- {
		method, err := readMember(r, cp)
		if r.err != nil {
			return r.err
		}
		if err != nil {
			// No key to file the method under.
			s.degrade(err)
			continue
		}
		key := MethodKey(method.Name, method.Descriptor)
		vars, err := readCode(method.code, cp)
		if err != nil {
			// Keep the rest of the class usable.
			vars = nil
			s.degrade(err)
		}
		if vars == nil {
			vars = []Variable{}
		}
		m.Variables[key] = vars
	}

	for n := int(r.u2()); n > 0 && r.err == nil; n-- {
		name, body := readAttribute(r, cp)
		if name != "InnerClasses" {
			continue
		}
		inner, err := readInnerClasses(body, cp, internalName)
		if err != nil {
			s.degrade(err)
			continue
		}
		m.InnerClasses = inner
	}
	return r.err
}

type member struct {
	Field
	code *reader
}

// readMember consumes a whole field or method entry before resolving its
// name, so a bad constant reference leaves r at the next member. Failures
// of r itself are left in r.err for the caller.
func readMember(r *reader, cp constantPool) (member, error) {
	var mb member
	mb.Access = r.u2()
	nameIdx, descIdx := r.u2(), r.u2()
	for n := int(r.u2()); n > 0 && r.err == nil; n-- {
		name, body := readAttribute(r, cp)
		if name == "Code" {
			mb.code = body
		}
	}
	if r.err != nil {
		return mb, r.err
	}
	var err error
	if mb.Name, err = cp.utf8(nameIdx); err != nil {
		return mb, err
	}
	if mb.Descriptor, err = cp.utf8(descIdx); err != nil {
		return mb, err
	}
	return mb, nil
}

// readAttribute returns the attribute name, or "" when the name cannot be
// resolved, and a reader over its body.
func readAttribute(r *reader, cp constantPool) (string, *reader) {
	nameIdx := r.u2()
	body := r.sub(int(r.u4()))
	name, err := cp.utf8(nameIdx)
	if err != nil {
		return "", body
	}
	return name, body
}

type lineEntry struct {
	pc   int
	line int
}

type rawVariable struct {
	start, length    int
	nameIdx, descIdx uint16
	slot             int
}

func readCode(code *reader, cp constantPool) ([]Variable, error) {
	if code == nil {
		// abstract or native
		return nil, nil
	}
	code.skip(4) // max_stack, max_locals
	code.skip(int(code.u4()))
	code.skip(8 * int(code.u2()))

	var lines []lineEntry
	var raw []rawVariable
	for n := int(code.u2()); n > 0 && code.err == nil; n-- {
		name, body := readAttribute(code, cp)
		switch name {
		case "LineNumberTable":
			for k := int(body.u2()); k > 0 && body.err == nil; k-- {
				lines = append(lines, lineEntry{pc: int(body.u2()), line: int(body.u2())})
			}
			if body.err != nil {
				return nil, body.err
			}
		case "LocalVariableTable":
			for k := int(body.u2()); k > 0 && body.err == nil; k-- {
				raw = append(raw, rawVariable{
					start:   int(body.u2()),
					length:  int(body.u2()),
					nameIdx: body.u2(),
					descIdx: body.u2(),
					slot:    int(body.u2()),
				})
			}
			if body.err != nil {
				return nil, body.err
			}
		}
	}
	if code.err != nil {
		return nil, code.err
	}

	lt := newLineTable(lines)
	vars := make([]Variable, 0, len(raw))
	for _, rv := range raw {
		name, err := cp.utf8(rv.nameIdx)
		if err != nil {
			return nil, err
		}
		desc, err := cp.utf8(rv.descIdx)
		if err != nil {
			return nil, err
		}
		if ignoredVariable(name, desc) {
			continue
		}
		vars = append(vars, Variable{
			Name:       name,
			Descriptor: desc,
			Start:      rv.start,
			End:        rv.start + rv.length,
			Line:       lt.lineAt(rv.start),
			EndLine:    lt.lineAt(rv.start + rv.length),
			Slot:       rv.slot,
		})
	}
	return vars, nil
}

func readInnerClasses(body *reader, cp constantPool, outer string) ([]string, error) {
	var inner []string
	for n := int(body.u2()); n > 0 && body.err == nil; n-- {
		innerIdx := body.u2()
		body.skip(6)
		if body.err != nil {
			break
		}
		name, err := cp.className(innerIdx)
		if err != nil {
			return nil, err
		}
		if name != outer && strings.HasPrefix(name, outer) {
			inner = append(inner, toDotted(name))
		}
	}
	return inner, body.err
}

// lineTable resolves bytecode offsets to source lines.
type lineTable struct {
	pcs   []int
	lines []int
}

func newLineTable(entries []lineEntry) lineTable {
	sorted := make([]lineEntry, len(entries))
	copy(sorted, entries)
	// Stable keeps the last table entry for a pc last.
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].pc < sorted[j].pc })

	var lt lineTable
	for _, e := range sorted {
		if n := len(lt.pcs); n > 0 && lt.pcs[n-1] == e.pc {
			lt.lines[n-1] = e.line
			continue
		}
		lt.pcs = append(lt.pcs, e.pc)
		lt.lines = append(lt.lines, e.line)
	}
	return lt
}

// lineAt returns the line starting at pc, else the nearest preceding one,
// else the first line of the method. Zero means the method has no line
// information.
func (lt lineTable) lineAt(pc int) int {
	if len(lt.pcs) == 0 {
		return 0
	}
	i := sort.SearchInts(lt.pcs, pc+1) - 1
	if i < 0 {
		return lt.lines[0]
	}
	return lt.lines[i]
}

func ignoredVariable(name, desc string) bool {
	if strings.Contains(name, "$") {
		return true
	}
	_, ignored := ignoredTypes[desc]
	return ignored
}

func ignoredField(f member) bool {
	return ignoredVariable(f.Name, f.Descriptor) || ignoredNames.MatchString(f.Name)
}

func toDotted(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}
