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

package collector

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/accumulator"
	"github.com/elastic/apm-live-probe/instrument"
	"github.com/elastic/apm-live-probe/registry"
	"github.com/elastic/apm-live-probe/version"
)

const (
	defaultControlTimeout   time.Duration = 15 * time.Second
	defaultForwarderTimeout time.Duration = 3 * time.Second
	defaultControlAddr                    = ":8300"
	defaultEventBufferSize  int           = 1000
	defaultMaxBatchSize                   = 50
	defaultMaxBatchAge                    = 2 * time.Second
)

// Controller applies and removes live instruments on behalf of the
// control plane.
type Controller interface {
	Apply(li instrument.LiveInstrument) (*registry.Active, error)
	Remove(id string) bool
	RemoveAt(source string, line int) []string
	Instruments() []*registry.Active
}

// Client ships probe events to the collector and serves the control
// endpoints.
type Client struct {
	mu                sync.RWMutex
	bufferPool        sync.Pool
	EventChannel      chan []byte
	client            *http.Client
	Status            Status
	ReconnectionCount int
	APIKey            string
	SecretToken       string
	collectorURL      string
	probeID           string
	serviceName       string
	hostname          string
	rootCerts         string
	control           *http.Server
	controller        Controller
	gatherer          prometheus.Gatherer
	registerer        prometheus.Registerer
	metrics           *metrics
	logger            *zap.SugaredLogger
	now               func() time.Time

	batch        *accumulator.Batch
	maxBatchSize int
	maxBatchAge  time.Duration
}

// NewClient returns a Client or an error if a mandatory option is
// missing.
func NewClient(opts ...Option) (*Client, error) {
	c := Client{
		bufferPool: sync.Pool{New: func() interface{} {
			return &bytes.Buffer{}
		}},
		EventChannel: make(chan []byte, defaultEventBufferSize),
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		ReconnectionCount: -1,
		Status:            Started,
		control: &http.Server{
			Addr:           defaultControlAddr,
			ReadTimeout:    defaultControlTimeout,
			WriteTimeout:   defaultControlTimeout,
			MaxHeaderBytes: 1 << 20,
		},
		now:          time.Now,
		maxBatchSize: defaultMaxBatchSize,
		maxBatchAge:  defaultMaxBatchAge,
	}

	c.client.Timeout = defaultForwarderTimeout

	for _, opt := range opts {
		opt(&c)
	}

	if c.collectorURL == "" {
		return nil, errors.New("collector URL cannot be empty")
	}

	if c.logger == nil {
		return nil, errors.New("logger cannot be empty")
	}

	if c.probeID == "" {
		return nil, errors.New("probe id cannot be empty")
	}

	// normalize collector URL
	if !strings.HasSuffix(c.collectorURL, "/") {
		c.collectorURL = c.collectorURL + "/"
	}

	if c.rootCerts != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.rootCerts)) {
			return nil, errors.New("no valid CA certificate found")
		}
		transport := c.client.Transport.(*http.Transport)
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	m, err := newMetrics(c.registerer)
	if err != nil {
		return nil, err
	}
	c.metrics = m

	c.batch = accumulator.NewBatch(c.maxBatchSize, c.maxBatchAge)
	if err := c.batch.SetMetadata(c.encodeMetadata()); err != nil {
		return nil, err
	}

	return &c, nil
}

// ProbeID returns the id stamped on every event.
func (c *Client) ProbeID() string {
	return c.probeID
}

func (c *Client) encodeMetadata() []byte {
	var w fastjson.Writer
	w.RawString(`{"metadata":{"probe":{"id":`)
	w.String(c.probeID)
	w.RawString(`,"version":`)
	w.String(version.Version)
	w.RawString(`}`)
	if c.serviceName != "" {
		w.RawString(`,"service":{"name":`)
		w.String(c.serviceName)
		w.RawString(`}`)
	}
	if c.hostname != "" {
		w.RawString(`,"host":{"hostname":`)
		w.String(c.hostname)
		w.RawString(`}`)
	}
	w.RawString(`}}`)
	return w.Bytes()
}
