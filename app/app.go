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
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.elastic.co/ecszap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/classmeta"
	"github.com/elastic/apm-live-probe/collector"
	"github.com/elastic/apm-live-probe/instrument"
	"github.com/elastic/apm-live-probe/lifespan"
	"github.com/elastic/apm-live-probe/logger"
	"github.com/elastic/apm-live-probe/receiver"
	"github.com/elastic/apm-live-probe/registry"
)

// App is the main application.
type App struct {
	logger    *zap.SugaredLogger
	index     *classmeta.Index
	registry  *registry.Registry
	clock     *lifespan.Clock
	sampler   *lifespan.Sampler
	receiver  *receiver.Receiver
	collector *collector.Client
	metrics   *prometheus.Registry
}

// New returns an App or an error if the creation failed.
func New(ctx context.Context, opts ...ConfigOption) (*App, error) {
	c := appConfig{}

	for _, opt := range opts {
		opt(&c)
	}

	app := &App{
		metrics: prometheus.NewRegistry(),
		clock:   lifespan.NewClock(lifespan.DefaultInterval),
	}

	probeID := c.probeID
	if probeID == "" {
		probeID = os.Getenv("ELASTIC_LIVE_PROBE_PROBE_ID")
	}
	if probeID == "" {
		probeID = uuid.NewString()
	}

	var err error

	if c.logger != nil {
		app.logger = c.logger
	} else if app.logger, err = buildLogger(c.logLevel, probeID); err != nil {
		return nil, err
	}

	if err := app.metrics.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	serviceName := c.serviceName
	if serviceName == "" {
		serviceName = os.Getenv("ELASTIC_LIVE_PROBE_SERVICE_NAME")
	}
	hostname := c.hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	apiKey, secretToken := loadAWSOptions(ctx, c.awsConfig, app.logger)

	collectorOpts := []collector.Option{
		collector.WithURL(os.Getenv("ELASTIC_LIVE_PROBE_COLLECTOR_URL")),
		collector.WithLogger(app.logger.Named("collector")),
		collector.WithAPIKey(apiKey),
		collector.WithSecretToken(secretToken),
		collector.WithProbeID(probeID),
		collector.WithServiceName(serviceName),
		collector.WithHostname(hostname),
		collector.WithRegisterer(app.metrics),
		collector.WithGatherer(app.metrics),
	}

	if timeout, ok, err := parseDuration("ELASTIC_LIVE_PROBE_FORWARDER_TIMEOUT"); err != nil || ok {
		if err != nil {
			return nil, err
		}
		collectorOpts = append(collectorOpts, collector.WithForwarderTimeout(timeout))
	}

	if c.controlAddr != "" {
		collectorOpts = append(collectorOpts, collector.WithControlAddress(c.controlAddr))
	} else if port := os.Getenv("ELASTIC_LIVE_PROBE_CONTROL_PORT"); port != "" {
		collectorOpts = append(collectorOpts, collector.WithControlAddress(":"+port))
	}

	if size, ok, err := parseInt("ELASTIC_LIVE_PROBE_EVENT_BUFFER_SIZE"); err != nil || ok {
		if err != nil {
			return nil, err
		}
		collectorOpts = append(collectorOpts, collector.WithEventBufferSize(size))
	}

	if encodedCertPem := os.Getenv("ELASTIC_LIVE_PROBE_COLLECTOR_CA_CERT_PEM"); encodedCertPem != "" {
		certPem := strings.ReplaceAll(encodedCertPem, "\\n", "\n")
		app.logger.Infof("Using CA certificates from environment variable.")
		collectorOpts = append(collectorOpts, collector.WithRootCerts(certPem))
	}

	if acmCertArn := os.Getenv("ELASTIC_LIVE_PROBE_COLLECTOR_CA_CERT_ACM_ID"); acmCertArn != "" {
		cert, err := loadAcmCertificate(ctx, acmCertArn, c.awsConfig)
		if err != nil {
			return nil, err
		}
		app.logger.Infof("Using CA certificate %s", acmCertArn)
		collectorOpts = append(collectorOpts, collector.WithRootCerts(cert))
	}

	app.index = classmeta.NewIndex(classmeta.WithLogger(app.logger.Named("classmeta")))

	registryOpts := []registry.Option{
		registry.WithLogger(app.logger.Named("registry")),
		registry.WithClassLocator(app.index),
	}
	if c.retransformer != nil {
		registryOpts = append(registryOpts, registry.WithRetransformer(c.retransformer))
	}
	if interval, ok, err := parseDuration("ELASTIC_LIVE_PROBE_EXPIRY_SWEEP_INTERVAL"); err != nil || ok {
		if err != nil {
			return nil, err
		}
		registryOpts = append(registryOpts, registry.WithSweepInterval(interval))
	}

	// The registry publishes through the collector and the collector
	// applies commands to the registry.
	var publisher instrument.PublisherFunc = func(event []byte) {
		app.collector.Publish(event)
	}
	app.registry = registry.New(append(registryOpts, registry.WithPublisher(publisher))...)

	if app.collector, err = collector.NewClient(append(collectorOpts, collector.WithController(app.registry))...); err != nil {
		return nil, err
	}

	app.sampler = lifespan.NewSampler(lifespan.WithTicker(app.clock))

	receiverOpts := []receiver.Option{
		receiver.WithLogger(app.logger.Named("receiver")),
		receiver.WithPublisher(app.collector),
		receiver.WithSampler(app.sampler),
		receiver.WithRegisterer(app.metrics),
		receiver.WithTracerProvider(otel.GetTracerProvider()),
	}
	if size, ok, err := parseInt("ELASTIC_LIVE_PROBE_METER_CACHE_SIZE"); err != nil || ok {
		if err != nil {
			return nil, err
		}
		receiverOpts = append(receiverOpts, receiver.WithMeterCacheSize(size))
	}
	if app.receiver, err = receiver.New(app.registry, receiverOpts...); err != nil {
		return nil, err
	}

	app.logger.Infof("Live probe %s created", probeID)
	return app, nil
}

// Sink returns the sink instrumented code reports to.
func (app *App) Sink() instrument.Sink {
	return app.receiver
}

// Registry returns the active instruments.
func (app *App) Registry() *registry.Registry {
	return app.registry
}

// Index returns the scope metadata of the loaded classes.
func (app *App) Index() *classmeta.Index {
	return app.index
}

// ProbeID returns the id the probe reports with.
func (app *App) ProbeID() string {
	return app.collector.ProbeID()
}

// ClassLoaded indexes a class as it is loaded or redefined and applies
// the instruments waiting for it.
func (app *App) ClassLoaded(className string, class []byte) *classmeta.ClassMetadata {
	meta := app.index.Index(className, class)
	app.registry.ClassLoaded(meta.ClassName)
	return meta
}

// ClassUnloaded forgets the metadata of a class.
func (app *App) ClassUnloaded(className string) {
	app.index.Evict(className)
}

func parseDuration(flag string) (time.Duration, bool, error) {
	strValue, ok := os.LookupEnv(flag)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strValue)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse %s: %w", flag, err)
	}
	return d, true, nil
}

func parseInt(flag string) (int, bool, error) {
	strValue, ok := os.LookupEnv(flag)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strValue)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse %s: %w", flag, err)
	}
	return n, true, nil
}

func buildLogger(level, probeID string) (*zap.SugaredLogger, error) {
	if level == "" {
		level = "info"
	}

	l, err := logger.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	return logger.New(
		logger.WithEncoderConfig(ecszap.NewDefaultEncoderConfig().ToZapCoreEncoderConfig()),
		logger.WithLevel(l),
		logger.WithProbeID(probeID),
	)
}
