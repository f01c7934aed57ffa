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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = key
	}
}

func WithSecretToken(secret string) Option {
	return func(c *Client) {
		c.SecretToken = secret
	}
}

func WithURL(url string) Option {
	return func(c *Client) {
		c.collectorURL = url
	}
}

func WithForwarderTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = timeout
	}
}

// WithProbeID sets the id stamped on every event and on the batch
// metadata.
func WithProbeID(id string) Option {
	return func(c *Client) {
		c.probeID = id
	}
}

// WithServiceName sets the service name reported in the batch metadata.
func WithServiceName(name string) Option {
	return func(c *Client) {
		c.serviceName = name
	}
}

// WithHostname sets the hostname reported in the batch metadata.
func WithHostname(name string) Option {
	return func(c *Client) {
		c.hostname = name
	}
}

// WithControlTimeout sets the read and write timeout of the control
// server.
func WithControlTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.control.ReadTimeout = timeout
		c.control.WriteTimeout = timeout
	}
}

// WithControlAddress sets the control server address.
func WithControlAddress(addr string) Option {
	return func(c *Client) {
		c.control.Addr = addr
	}
}

// WithController sets what control commands are applied to.
func WithController(ctrl Controller) Option {
	return func(c *Client) {
		c.controller = ctrl
	}
}

// WithGatherer exposes the metrics of g on the control server.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(c *Client) {
		c.gatherer = g
	}
}

// WithRegisterer sets where the transport metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}

// WithEventBufferSize sets the event buffer size.
func WithEventBufferSize(size int) Option {
	return func(c *Client) {
		c.EventChannel = make(chan []byte, size)
	}
}

// WithRootCerts sets the PEM encoded CA certificates used to verify the
// collector.
func WithRootCerts(certs string) Option {
	return func(c *Client) {
		c.rootCerts = certs
	}
}

// WithLogger configures a custom zap logger to be used by
// the client.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxBatchSize configures the maximum number of events
// sent to the collector in one request.
func WithMaxBatchSize(size int) Option {
	return func(c *Client) {
		c.maxBatchSize = size
	}
}

// WithMaxBatchAge configures the maximum age of the batch
// before it is sent to the collector. Age is measured from the
// time the first entry is added in the batch.
func WithMaxBatchAge(age time.Duration) Option {
	return func(c *Client) {
		c.maxBatchAge = age
	}
}

// WithClock replaces the wall clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}
