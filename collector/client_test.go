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
	"testing"

	"github.com/elastic/apm-live-probe/collector"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestClient(t *testing.T) {
	testCases := map[string]struct {
		opts        []collector.Option
		expectedErr bool
	}{
		"empty": {
			expectedErr: true,
		},
		"missing base url": {
			opts:        []collector.Option{},
			expectedErr: true,
		},
		"missing logger": {
			opts: []collector.Option{
				collector.WithURL("https://example.com"),
				collector.WithProbeID("probe-1"),
			},
			expectedErr: true,
		},
		"missing probe id": {
			opts: []collector.Option{
				collector.WithURL("https://example.com"),
				collector.WithLogger(zaptest.NewLogger(t).Sugar()),
			},
			expectedErr: true,
		},
		"invalid root certs": {
			opts: []collector.Option{
				collector.WithURL("https://example.com"),
				collector.WithLogger(zaptest.NewLogger(t).Sugar()),
				collector.WithProbeID("probe-1"),
				collector.WithRootCerts("not a certificate"),
			},
			expectedErr: true,
		},
		"valid": {
			opts: []collector.Option{
				collector.WithURL("https://example.com"),
				collector.WithLogger(zaptest.NewLogger(t).Sugar()),
				collector.WithProbeID("probe-1"),
				collector.WithRegisterer(prometheus.NewRegistry()),
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := collector.NewClient(tc.opts...)
			if tc.expectedErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClientDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := []collector.Option{
		collector.WithURL("https://example.com"),
		collector.WithLogger(zaptest.NewLogger(t).Sugar()),
		collector.WithProbeID("probe-1"),
		collector.WithRegisterer(reg),
	}
	_, err := collector.NewClient(opts...)
	require.NoError(t, err)
	_, err = collector.NewClient(opts...)
	require.Error(t, err)
}
