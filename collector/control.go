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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.elastic.co/fastjson"

	"github.com/elastic/apm-live-probe/instrument"
	"github.com/elastic/apm-live-probe/registry"
	"github.com/elastic/apm-live-probe/version"
)

const maxCommandBytes = 1 << 20

var errUnsupportedCommand = errors.New("unsupported command type")

// Handler returns the control plane handler.
func (c *Client) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleInfoRequest)
	mux.HandleFunc("/v1/instruments", c.handleInstruments)
	if c.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// StartControl starts the server listening for control commands.
func (c *Client) StartControl() error {
	if c.controller == nil {
		return errors.New("controller cannot be empty")
	}
	c.control.Handler = c.Handler()

	ln, err := net.Listen("tcp", c.control.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on addr %s: %w", c.control.Addr, err)
	}

	go func() {
		c.logger.Infof("Probe listening for control commands on %s", ln.Addr())
		if err := c.control.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Errorf("received error from http.Serve(): %v", err)
		} else {
			c.logger.Debug("server closed")
		}
	}()
	return nil
}

// Shutdown shutdowns the control server gracefully.
func (c *Client) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return c.control.Shutdown(ctx)
}

// URL: http://probe/
func (c *Client) handleInfoRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	var fw fastjson.Writer
	fw.RawString(`{"probe_id":`)
	fw.String(c.probeID)
	fw.RawString(`,"version":`)
	fw.String(version.Version)
	fw.RawString(`,"transport":`)
	fw.String(string(c.CurrentStatus()))
	if c.controller != nil {
		fw.RawString(`,"instruments":`)
		fw.Int64(int64(len(c.controller.Instruments())))
	}
	fw.RawByte('}')
	writeJSON(w, http.StatusOK, fw.Bytes())
}

// URL: http://probe/v1/instruments
func (c *Client) handleInstruments(w http.ResponseWriter, r *http.Request) {
	if c.controller == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		body, err := encodeInstruments(c.controller.Instruments())
		if err != nil {
			c.logger.Errorf("Could not encode live instruments: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, body)
	case http.MethodPost:
		c.handleAdd(w, r)
	case http.MethodDelete:
		c.handleRemove(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type commandError struct {
	id  string
	err error
}

func (c *Client) handleAdd(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	defer r.Body.Close()
	if err != nil {
		c.logger.Errorf("Could not read control request body: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var cmd instrument.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		c.rejectCommand(w, raw, []commandError{{err: fmt.Errorf("invalid command: %w", err)}})
		return
	}
	if cmd.Type != "" && cmd.Type != instrument.AddInstrument {
		c.rejectCommand(w, raw, []commandError{{err: fmt.Errorf("%w: %s", errUnsupportedCommand, cmd.Type)}})
		return
	}

	var (
		applied []string
		failed  []commandError
	)
	for _, li := range cmd.Instruments {
		if _, err := c.controller.Apply(li); err != nil {
			c.logger.Warnf("Failed to apply live instrument %s: %v", li.ID, err)
			failed = append(failed, commandError{id: li.ID, err: err})
			continue
		}
		applied = append(applied, li.ID)
	}
	if len(failed) > 0 {
		c.rejectCommand(w, raw, failed)
		return
	}
	writeJSON(w, http.StatusOK, encodeIDs("applied", applied))
}

func (c *Client) handleRemove(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	defer r.Body.Close()
	if err != nil {
		c.logger.Errorf("Could not read control request body: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ids := r.URL.Query()["id"]
	var removed []string
	if len(raw) > 0 {
		if !gjson.ValidBytes(raw) {
			c.rejectCommand(w, raw, []commandError{{err: errors.New("invalid command: malformed json")}})
			return
		}
		cmd := gjson.ParseBytes(raw)
		if typ := cmd.Get("commandType").Str; typ != "" && typ != string(instrument.RemoveInstrument) {
			c.rejectCommand(w, raw, []commandError{{err: fmt.Errorf("%w: %s", errUnsupportedCommand, typ)}})
			return
		}
		for _, id := range cmd.Get("instruments.#.id").Array() {
			ids = append(ids, id.Str)
		}
		for _, loc := range cmd.Get("locations").Array() {
			removed = append(removed, c.controller.RemoveAt(loc.Get("source").Str, int(loc.Get("line").Int()))...)
		}
	}
	for _, id := range ids {
		if c.controller.Remove(id) {
			removed = append(removed, id)
		}
	}
	writeJSON(w, http.StatusOK, encodeIDs("removed", removed))
}

// rejectCommand answers 400 and publishes the failure as a removal event
// so the control plane sees it on the event stream as well.
func (c *Client) rejectCommand(w http.ResponseWriter, raw []byte, failed []commandError) {
	var fw fastjson.Writer
	fw.RawString(`{"errors":[`)
	for i, f := range failed {
		if i > 0 {
			fw.RawByte(',')
		}
		fw.RawByte('{')
		if f.id != "" {
			fw.RawString(`"instrument_id":`)
			fw.String(f.id)
			fw.RawByte(',')
		}
		var ie *instrument.Error
		if errors.As(f.err, &ie) {
			fw.RawString(`"errorKind":`)
			fw.String(string(ie.Kind))
			fw.RawByte(',')
		}
		fw.RawString(`"message":`)
		fw.String(f.err.Error())
		fw.RawByte('}')

		c.Publish(instrument.EncodeCommandError(raw, c.now(), f.err))
	}
	fw.RawString(`]}`)
	writeJSON(w, http.StatusBadRequest, fw.Bytes())
}

// encodeInstruments lists instrument definitions, each with a "state"
// object holding its hit and throttle counters.
func encodeInstruments(active []*registry.Active) ([]byte, error) {
	var fw fastjson.Writer
	fw.RawByte('[')
	for i, a := range active {
		if i > 0 {
			fw.RawByte(',')
		}
		def, err := json.Marshal(a.Instrument)
		if err != nil {
			return nil, err
		}
		if def, err = sjson.SetRawBytes(def, "state", encodeState(a)); err != nil {
			return nil, err
		}
		fw.RawBytes(def)
	}
	fw.RawByte(']')
	return fw.Bytes(), nil
}

func encodeState(a *registry.Active) []byte {
	var fw fastjson.Writer
	fw.RawString(`{"applied":`)
	fw.Bool(a.Applied())
	fw.RawString(`,"hits":`)
	fw.Int64(a.HitCount())
	fw.RawString(`,"throttle":{"rate":`)
	fw.String(a.Throttle.String())
	fw.RawString(`,"rate_limited":`)
	fw.Bool(a.Throttle.IsRateLimited())
	fw.RawString(`,"total_hits":`)
	fw.Int64(a.Throttle.TotalHitCount())
	fw.RawString(`,"limited":`)
	fw.Int64(a.Throttle.TotalLimitedCount())
	fw.RawString(`}}`)
	return fw.Bytes()
}

func encodeIDs(key string, ids []string) []byte {
	var fw fastjson.Writer
	fw.RawString(`{"` + key + `":[`)
	for i, id := range ids {
		if i > 0 {
			fw.RawByte(',')
		}
		fw.String(id)
	}
	fw.RawString(`]}`)
	return fw.Bytes()
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
