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

package collector_test

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elastic/apm-live-probe/collector"
	"github.com/elastic/apm-live-probe/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type intake struct {
	mu       sync.Mutex
	payloads []string
	status   int
}

func newIntake(t *testing.T, status int) (*intake, *httptest.Server) {
	in := &intake{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/intake/v1/events", r.URL.Path)
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		assert.Equal(t, version.UserAgent, r.Header.Get("User-Agent"))
		gr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(gr)
		assert.NoError(t, err)

		in.mu.Lock()
		in.payloads = append(in.payloads, string(body))
		status := in.status
		in.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return in, srv
}

func (in *intake) received() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.payloads...)
}

func newClient(t *testing.T, url string, opts ...collector.Option) *collector.Client {
	opts = append([]collector.Option{
		collector.WithURL(url),
		collector.WithLogger(zaptest.NewLogger(t).Sugar()),
		collector.WithProbeID("probe-1"),
	}, opts...)
	c, err := collector.NewClient(opts...)
	require.NoError(t, err)
	return c
}

func TestPostToCollector(t *testing.T) {
	payload := `{"metadata":{}}` + "\n" + `{"log_hit":{"message":"hello"}}`

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, _ := io.ReadAll(gr)
		assert.Equal(t, payload, string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	for name, tc := range map[string]struct {
		opts     []collector.Option
		expected string
	}{
		"no auth":      {},
		"api key":      {opts: []collector.Option{collector.WithAPIKey("key"), collector.WithSecretToken("token")}, expected: "ApiKey key"},
		"secret token": {opts: []collector.Option{collector.WithSecretToken("token")}, expected: "Bearer token"},
	} {
		t.Run(name, func(t *testing.T) {
			c := newClient(t, srv.URL, tc.opts...)
			require.NoError(t, c.PostToCollector(context.Background(), []byte(payload)))
			assert.Equal(t, tc.expected, gotAuth)
			assert.Equal(t, collector.Healthy, c.CurrentStatus())
		})
	}
}

func TestPostToCollectorStatus(t *testing.T) {
	for _, tc := range []struct {
		code     int
		expected collector.Status
	}{
		{code: http.StatusAccepted, expected: collector.Healthy},
		{code: http.StatusTooManyRequests, expected: collector.RateLimited},
		{code: http.StatusBadRequest, expected: collector.ClientFailing},
		{code: http.StatusUnauthorized, expected: collector.Failing},
		{code: http.StatusServiceUnavailable, expected: collector.Failing},
	} {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			_, srv := newIntake(t, tc.code)
			c := newClient(t, srv.URL)
			// Keep the grace period long enough to observe the failing status.
			c.ReconnectionCount = 3

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			require.NoError(t, c.PostToCollector(ctx, []byte(`{"metadata":{}}`)))
			assert.Equal(t, tc.expected, c.CurrentStatus())
		})
	}
}

func TestPostToCollectorUnhealthy(t *testing.T) {
	in, srv := newIntake(t, http.StatusAccepted)
	c := newClient(t, srv.URL)
	c.ReconnectionCount = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.UpdateStatus(ctx, collector.Failing)

	assert.Error(t, c.PostToCollector(ctx, []byte(`{"metadata":{}}`)))
	assert.Empty(t, in.received())
}

func TestPublish(t *testing.T) {
	c := newClient(t, "https://example.com", collector.WithEventBufferSize(1))

	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-1"}}`))
	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-2"}}`))
	c.Publish([]byte(`not json`))

	require.Len(t, c.EventChannel, 1)
	event := <-c.EventChannel
	assert.Equal(t, "log-1", gjson.GetBytes(event, "log_hit.instrument_id").Str)
	assert.Equal(t, "probe-1", gjson.GetBytes(event, "log_hit.probe_id").Str)
}

func TestPublishMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newClient(t, "https://example.com", collector.WithEventBufferSize(1), collector.WithRegisterer(reg))

	c.Publish([]byte(`{"log_hit":{}}`))
	c.Publish([]byte(`{"log_hit":{}}`))

	expected := `
# HELP live_probe_events_dropped_total Events dropped before reaching the collector.
# TYPE live_probe_events_dropped_total counter
live_probe_events_dropped_total{reason="buffer_full"} 1
# HELP live_probe_events_queued_total Events accepted for shipping to the collector.
# TYPE live_probe_events_queued_total counter
live_probe_events_queued_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"live_probe_events_dropped_total", "live_probe_events_queued_total"))
}

func TestFlushEvents(t *testing.T) {
	in, srv := newIntake(t, http.StatusAccepted)
	c := newClient(t, srv.URL, collector.WithServiceName("checkout"), collector.WithHostname("node-1"))

	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-1"}}`))
	c.Publish([]byte(`{"breakpoint_hit":{"instrument_id":"bp-1"}}`))
	c.FlushEvents(context.Background())

	payloads := in.received()
	require.Len(t, payloads, 1)
	lines := strings.Split(payloads[0], "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "probe-1", gjson.Get(lines[0], "metadata.probe.id").Str)
	assert.Equal(t, version.Version, gjson.Get(lines[0], "metadata.probe.version").Str)
	assert.Equal(t, "checkout", gjson.Get(lines[0], "metadata.service.name").Str)
	assert.Equal(t, "node-1", gjson.Get(lines[0], "metadata.host.hostname").Str)
	assert.Equal(t, "log-1", gjson.Get(lines[1], "log_hit.instrument_id").Str)
	assert.Equal(t, "bp-1", gjson.Get(lines[2], "breakpoint_hit.instrument_id").Str)

	// Nothing left to send.
	c.FlushEvents(context.Background())
	assert.Len(t, in.received(), 1)
}

func TestFlushSkippedWhileFailing(t *testing.T) {
	in, srv := newIntake(t, http.StatusServiceUnavailable)
	c := newClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-1"}}`))
	c.FlushEvents(ctx)
	require.Len(t, in.received(), 1)
	assert.True(t, c.IsUnhealthy())

	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-2"}}`))
	c.FlushEvents(context.Background())
	assert.Len(t, in.received(), 1)
	assert.Len(t, c.EventChannel, 1)

	// Ending the grace period makes the transport usable again.
	cancel()
	require.Eventually(t, func() bool {
		return !c.IsUnhealthy()
	}, time.Second, 10*time.Millisecond)

	in.mu.Lock()
	in.status = http.StatusAccepted
	in.mu.Unlock()
	c.FlushEvents(context.Background())

	payloads := in.received()
	require.Len(t, payloads, 2)
	assert.Equal(t, 1, strings.Count(payloads[1], "\n"))
	assert.Contains(t, payloads[1], "log-2")
	assert.Equal(t, collector.Healthy, c.CurrentStatus())
}

func TestFlushKeepsBatchWhenCollectorUnreachable(t *testing.T) {
	var (
		mu       sync.Mutex
		dropped  bool
		payloads []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !dropped {
			// Close the connection without answering.
			dropped = true
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		gr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gr)
		require.NoError(t, err)
		payloads = append(payloads, string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-1"}}`))
	c.FlushEvents(ctx)
	assert.True(t, c.IsUnhealthy())

	cancel()
	require.Eventually(t, func() bool {
		return !c.IsUnhealthy()
	}, time.Second, 10*time.Millisecond)
	c.FlushEvents(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Contains(t, payloads[0], "log-1")
	assert.Equal(t, collector.Healthy, c.CurrentStatus())
}

func TestForwardEvents(t *testing.T) {
	in, srv := newIntake(t, http.StatusAccepted)
	c := newClient(t, srv.URL, collector.WithMaxBatchSize(3), collector.WithMaxBatchAge(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- c.ForwardEvents(ctx)
	}()

	// Shipped by size.
	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-1"}}`))
	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-2"}}`))
	require.Eventually(t, func() bool {
		return len(in.received()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Shipped by age.
	c.Publish([]byte(`{"log_hit":{"instrument_id":"log-3"}}`))
	require.Eventually(t, func() bool {
		return len(in.received()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, in.received()[1], "log-3")

	cancel()
	assert.NoError(t, <-done)
}

func TestGracePeriod(t *testing.T) {
	c := newClient(t, "https://example.com")

	c.ReconnectionCount = 0
	val0 := c.ComputeGracePeriod().Seconds()
	assert.LessOrEqual(t, val0, 5.0)

	for count, expected := range map[int]float64{1: 1, 2: 4, 3: 9, 4: 16, 5: 25, 6: 36, 7: 36} {
		c.ReconnectionCount = count
		assert.InDelta(t, expected, c.ComputeGracePeriod().Seconds(), 0.1*expected)
	}
}

func TestSetHealthyTransport(t *testing.T) {
	c := newClient(t, "https://example.com")
	c.UpdateStatus(context.Background(), collector.Healthy)
	assert.Equal(t, collector.Healthy, c.CurrentStatus())
	assert.Equal(t, -1, c.ReconnectionCount)
}

func TestSetFailingTransport(t *testing.T) {
	// By explicitly setting the reconnection count to 0, we ensure that the grace period will not be 0
	// and avoid a race between reaching the started status and the test assertion.
	c := newClient(t, "https://example.com")
	c.ReconnectionCount = 0
	c.UpdateStatus(context.Background(), collector.Failing)
	assert.Equal(t, collector.Failing, c.CurrentStatus())
	assert.Equal(t, 1, c.ReconnectionCount)
}

func TestSetStartedTransport(t *testing.T) {
	c := newClient(t, "https://example.com")
	c.UpdateStatus(context.Background(), collector.Healthy)
	c.UpdateStatus(context.Background(), collector.Failing)
	require.Eventually(t, func() bool {
		return !c.IsUnhealthy()
	}, 7*time.Second, 50*time.Millisecond)
	assert.Equal(t, collector.Started, c.CurrentStatus())
	assert.Equal(t, 0, c.ReconnectionCount)
}

func TestSetInvalidTransport(t *testing.T) {
	c := newClient(t, "https://example.com")
	c.UpdateStatus(context.Background(), collector.Healthy)
	c.UpdateStatus(context.Background(), "Invalid")
	assert.Equal(t, collector.Healthy, c.CurrentStatus())
	assert.Equal(t, -1, c.ReconnectionCount)
}
