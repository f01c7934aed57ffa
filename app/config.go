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

package app

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/registry"
)

type appConfig struct {
	awsConfig     func() (*aws.Config, error)
	logLevel      string
	logger        *zap.SugaredLogger
	probeID       string
	serviceName   string
	hostname      string
	controlAddr   string
	retransformer registry.Retransformer
}

// ConfigOption is used to configure the live probe
type ConfigOption func(*appConfig)

// WithLogLevel sets the log level.
func WithLogLevel(level string) ConfigOption {
	return func(c *appConfig) {
		c.logLevel = level
	}
}

// WithLogger replaces the ECS logger built from the log level.
func WithLogger(logger *zap.SugaredLogger) ConfigOption {
	return func(c *appConfig) {
		c.logger = logger
	}
}

// WithProbeID sets the probe id. A random id is generated when none is
// set.
func WithProbeID(id string) ConfigOption {
	return func(c *appConfig) {
		c.probeID = id
	}
}

// WithServiceName sets the name of the instrumented service.
func WithServiceName(name string) ConfigOption {
	return func(c *appConfig) {
		c.serviceName = name
	}
}

// WithHostname sets the hostname reported to the collector.
func WithHostname(name string) ConfigOption {
	return func(c *appConfig) {
		c.hostname = name
	}
}

// WithControlAddress sets the listener address of the control server.
// It takes precedence over ELASTIC_LIVE_PROBE_CONTROL_PORT.
func WithControlAddress(addr string) ConfigOption {
	return func(c *appConfig) {
		c.controlAddr = addr
	}
}

// WithRetransformer sets the hook re-instrumenting a class whenever the
// instruments placed in it change.
func WithRetransformer(r registry.Retransformer) ConfigOption {
	return func(c *appConfig) {
		c.retransformer = r
	}
}

// WithAWSConfig sets a function loading the AWS config. It is only
// called when a credential or certificate has to be read from AWS.
func WithAWSConfig(load func() (*aws.Config, error)) ConfigOption {
	return func(c *appConfig) {
		c.awsConfig = load
	}
}
