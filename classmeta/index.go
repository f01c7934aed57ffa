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
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/instrument"
)

type entry struct {
	digest uint64
	meta   *ClassMetadata
}

// Index caches the metadata of every loaded class version. Writes are
// expected to be serialized per class by the class loading pipeline,
// reads are lock free.
type Index struct {
	logger  *zap.SugaredLogger
	classes sync.Map // class name -> *entry
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used to report degraded scans.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(i *Index) {
		i.logger = logger
	}
}

// NewIndex returns an empty Index.
func NewIndex(opts ...Option) *Index {
	i := &Index{logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Index records the metadata of a class version and returns it. Indexing
// bytes identical to the current version returns the cached metadata,
// different bytes replace it.
func (i *Index) Index(className string, class []byte) *ClassMetadata {
	name := toDotted(className)
	digest := xxhash.Sum64(class)
	if v, ok := i.classes.Load(name); ok {
		if e := v.(*entry); e.digest == digest {
			return e.meta
		}
	}

	meta, err := Build(name, class)
	if err != nil {
		i.logger.Warnf("Degraded metadata for class %s: %v", name, err)
	}
	i.classes.Store(name, &entry{digest: digest, meta: meta})
	return meta
}

// Lookup returns the metadata of a class, or a CLASS_NOT_FOUND error when
// the class was never indexed.
func (i *Index) Lookup(className string) (*ClassMetadata, error) {
	name := toDotted(className)
	if v, ok := i.classes.Load(name); ok {
		return v.(*entry).meta, nil
	}
	return nil, instrument.NewError(instrument.ClassNotFound, name)
}

// Contains reports whether a class has been indexed.
func (i *Index) Contains(className string) bool {
	_, ok := i.classes.Load(toDotted(className))
	return ok
}

// Evict drops a class, typically on unload or redefinition.
func (i *Index) Evict(className string) {
	i.classes.Delete(toDotted(className))
}

// Len returns the number of indexed classes.
func (i *Index) Len() int {
	n := 0
	i.classes.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
