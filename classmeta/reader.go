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

package classmeta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned when class bytes cannot be decoded.
var ErrMalformed = errors.New("malformed classfile")

const classMagic = 0xCAFEBABE

// Constant pool tags.
const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

// reader decodes big-endian classfile items. The first failure sticks:
// once err is set every read returns zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), r.off)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.fail("need %d bytes, have %d", n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u1() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u2() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u4() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) skip(n int) {
	r.take(n)
}

// sub returns a reader over the next n bytes and advances past them.
func (r *reader) sub(n int) *reader {
	b := r.take(n)
	if r.err != nil {
		return &reader{err: r.err}
	}
	return &reader{buf: b}
}

type cpEntry struct {
	tag  uint8
	utf8 string
	ref  uint16
}

type constantPool []cpEntry

func readConstantPool(r *reader) constantPool {
	count := int(r.u2())
	cp := make(constantPool, count)
	for i := 1; i < count && r.err == nil; i++ {
		tag := r.u1()
		cp[i].tag = tag
		switch tag {
		case tagUtf8:
			n := int(r.u2())
			cp[i].utf8 = string(r.take(n))
		case tagClass, tagString, tagMethodType, tagModule, tagPackage:
			cp[i].ref = r.u2()
		case tagInteger, tagFloat, tagFieldref, tagMethodref, tagInterfaceMethodref,
			tagNameAndType, tagDynamic, tagInvokeDynamic:
			r.skip(4)
		case tagMethodHandle:
			r.skip(3)
		case tagLong, tagDouble:
			r.skip(8)
			// 8 byte constants take two slots.
			i++
		default:
			r.fail("unknown constant pool tag %d", tag)
		}
	}
	return cp
}

func (cp constantPool) utf8(i uint16) (string, error) {
	if int(i) <= 0 || int(i) >= len(cp) || cp[i].tag != tagUtf8 {
		return "", fmt.Errorf("%w: constant %d is not utf8", ErrMalformed, i)
	}
	return cp[i].utf8, nil
}

func (cp constantPool) className(i uint16) (string, error) {
	if int(i) <= 0 || int(i) >= len(cp) || cp[i].tag != tagClass {
		return "", fmt.Errorf("%w: constant %d is not a class", ErrMalformed, i)
	}
	return cp.utf8(cp[i].ref)
}
