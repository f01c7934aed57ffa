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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elastic/apm-live-probe/collector"
	"github.com/elastic/apm-live-probe/instrument"
	"github.com/elastic/apm-live-probe/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

func newControl(t *testing.T, opts ...collector.Option) (*collector.Client, *registry.Registry, *httptest.Server) {
	reg := registry.New(registry.WithLogger(zaptest.NewLogger(t).Sugar()))
	opts = append([]collector.Option{collector.WithController(reg)}, opts...)
	c := newClient(t, "https://example.com", opts...)
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return c, reg, srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestAddInstruments(t *testing.T) {
	_, reg, srv := newControl(t)

	status, body := do(t, http.MethodPost, srv.URL+"/v1/instruments", `{
		"commandType": "ADD_LIVE_INSTRUMENT",
		"instruments": [
			{"id": "bp-1", "type": "BREAKPOINT", "location": {"source": "com.example.Foo", "line": 42}},
			{"id": "log-1", "type": "LOG", "location": {"source": "com.example.Foo", "line": 43},
			 "logFormat": "a={}", "logArguments": ["a"], "throttle": {"limit": 1, "step": "day"}}
		]
	}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.JSONEq(t, `{"applied":["bp-1","log-1"]}`, body)
	assert.Equal(t, 2, reg.Len())

	a, ok := reg.Get("log-1")
	require.True(t, ok)
	assert.Equal(t, "a={}", a.Instrument.LogFormat)

	_, ok = reg.Hit("log-1", instrument.ContextMap{})
	require.True(t, ok)
	_, ok = reg.Hit("log-1", instrument.ContextMap{})
	require.False(t, ok)

	status, body = do(t, http.MethodGet, srv.URL+"/v1/instruments", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []interface{}{"bp-1", "log-1"}, gjson.Get(body, "#.id").Value())

	bp := gjson.Get(body, "0.state")
	assert.True(t, bp.Get("applied").Bool())
	assert.Equal(t, "unlimited", bp.Get("throttle.rate").Str)
	assert.False(t, bp.Get("throttle.rate_limited").Bool())

	log := gjson.Get(body, "1.state")
	assert.Equal(t, int64(1), log.Get("hits").Int())
	assert.Equal(t, "1/DAY", log.Get("throttle.rate").Str)
	assert.True(t, log.Get("throttle.rate_limited").Bool())
	assert.Equal(t, int64(2), log.Get("throttle.total_hits").Int())
	assert.Equal(t, int64(1), log.Get("throttle.limited").Int())
	assert.Equal(t, "a={}", gjson.Get(body, "1.logFormat").Str)
}

func TestAddInstrumentsRejected(t *testing.T) {
	c, reg, srv := newControl(t)

	status, body := do(t, http.MethodPost, srv.URL+"/v1/instruments", `{
		"instruments": [
			{"id": "bp-1", "type": "BREAKPOINT", "location": {"source": "com.example.Foo", "line": 42}, "condition": "a >"},
			{"id": "bp-2", "type": "BREAKPOINT", "location": {"source": "com.example.Foo", "line": 44}}
		]
	}`)
	require.Equal(t, http.StatusBadRequest, status)

	errs := gjson.Get(body, "errors").Array()
	require.Len(t, errs, 1)
	assert.Equal(t, "bp-1", errs[0].Get("instrument_id").Str)
	assert.Equal(t, "CONDITIONAL_FAILED", errs[0].Get("errorKind").Str)
	assert.True(t, strings.HasPrefix(errs[0].Get("message").Str,
		"EventBusException:LiveInstrumentException[CONDITIONAL_FAILED]: "))

	// The valid instrument of the command is still applied.
	assert.Equal(t, 1, reg.Len())

	require.Len(t, c.EventChannel, 1)
	event := <-c.EventChannel
	removed := gjson.GetBytes(event, instrument.RemovedEvent)
	assert.Equal(t, "CONDITIONAL_FAILED", removed.Get("cause.errorKind").Str)
	assert.Equal(t, "probe-1", removed.Get("probe_id").Str)
	assert.Contains(t, removed.Get("command").Str, `"condition": "a >"`)
}

func TestMalformedCommand(t *testing.T) {
	c, _, srv := newControl(t)

	status, body := do(t, http.MethodPost, srv.URL+"/v1/instruments", `{"instruments": [`)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, gjson.Get(body, "errors.0.message").Str, "invalid command")
	assert.False(t, gjson.Get(body, "errors.0.errorKind").Exists())
	assert.Len(t, c.EventChannel, 1)

	status, _ = do(t, http.MethodPost, srv.URL+"/v1/instruments", `{"commandType": "REMOVE_LIVE_INSTRUMENT"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodDelete, srv.URL+"/v1/instruments", `{"commandType": "ADD_LIVE_INSTRUMENT"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPut, srv.URL+"/v1/instruments", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestRemoveInstruments(t *testing.T) {
	_, reg, srv := newControl(t)
	for _, li := range []instrument.LiveInstrument{
		{ID: "bp-1", Type: instrument.Breakpoint, Location: instrument.Location{Source: "com.example.Foo", Line: 42}},
		{ID: "bp-2", Type: instrument.Breakpoint, Location: instrument.Location{Source: "com.example.Foo$Inner", Line: 7}},
		{ID: "bp-3", Type: instrument.Breakpoint, Location: instrument.Location{Source: "com.example.Bar", Line: 1}},
		{ID: "bp-4", Type: instrument.Breakpoint, Location: instrument.Location{Source: "com.example.Bar", Line: 2}},
	} {
		_, err := reg.Apply(li)
		require.NoError(t, err)
	}

	status, body := do(t, http.MethodDelete, srv.URL+"/v1/instruments", `{
		"commandType": "REMOVE_LIVE_INSTRUMENT",
		"instruments": [{"id": "bp-3"}, {"id": "unknown"}],
		"locations": [{"source": "com.example.Foo", "line": 7}]
	}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"removed":["bp-2","bp-3"]}`, body)

	status, body = do(t, http.MethodDelete, srv.URL+"/v1/instruments?id=bp-4", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"removed":["bp-4"]}`, body)

	_, ok := reg.Get("bp-1")
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestInfoAndMetrics(t *testing.T) {
	metrics := prometheus.NewRegistry()
	_, _, srv := newControl(t, collector.WithRegisterer(metrics), collector.WithGatherer(metrics))

	status, body := do(t, http.MethodGet, srv.URL+"/", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "probe-1", gjson.Get(body, "probe_id").Str)
	assert.Equal(t, string(collector.Started), gjson.Get(body, "transport").Str)
	assert.Equal(t, int64(0), gjson.Get(body, "instruments").Int())

	status, _ = do(t, http.MethodGet, srv.URL+"/unknown", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "live_probe_events_queued_total")
}

func TestStartControlWithoutController(t *testing.T) {
	c := newClient(t, "https://example.com")
	assert.Error(t, c.StartControl())
}

func TestStartControl(t *testing.T) {
	c, _, _ := newControl(t, collector.WithControlAddress("127.0.0.1:0"))
	require.NoError(t, c.StartControl())
	assert.NoError(t, c.Shutdown())
}
