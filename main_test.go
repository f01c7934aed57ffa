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

package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestMissingEnvFile(t *testing.T) {
	t.Setenv("ELASTIC_LIVE_PROBE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, mainWithError())
}

func TestMainWithEnvFile(t *testing.T) {
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer collector.Close()

	port := freePort(t)
	envFile := filepath.Join(t.TempDir(), "probe.env")
	require.NoError(t, os.WriteFile(envFile, []byte(fmt.Sprintf(
		"ELASTIC_LIVE_PROBE_COLLECTOR_URL=%s\nELASTIC_LIVE_PROBE_CONTROL_PORT=%d\nELASTIC_LIVE_PROBE_PROBE_ID=probe-from-file\nELASTIC_LIVE_PROBE_LOG_LEVEL=off\n",
		collector.URL, port,
	)), 0o600))
	t.Setenv("ELASTIC_LIVE_PROBE_ENV_FILE", envFile)
	// godotenv does not override variables that are already set.
	for _, k := range []string{
		"ELASTIC_LIVE_PROBE_COLLECTOR_URL",
		"ELASTIC_LIVE_PROBE_CONTROL_PORT",
		"ELASTIC_LIVE_PROBE_PROBE_ID",
		"ELASTIC_LIVE_PROBE_LOG_LEVEL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	done := make(chan error)
	go func() {
		done <- mainWithError()
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "probe-from-file", gjson.Get(body, "probe_id").Str)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}
