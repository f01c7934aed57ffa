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
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/elastic/apm-live-probe/accumulator"
	"github.com/elastic/apm-live-probe/version"
)

type jsonResult struct {
	Errors []jsonError `json:"errors,omitempty"`
}

type jsonError struct {
	Message  string `json:"message"`
	Document string `json:"document,omitempty"`
}

// Publish queues an event for the collector after stamping it with the
// probe id. It never blocks: when the buffer is full the event is
// dropped.
func (c *Client) Publish(event []byte) {
	typ := accumulator.EventType(event)
	if typ == "" {
		c.logger.Warnf("Dropping event without type")
		c.metrics.eventsDropped.WithLabelValues("invalid").Inc()
		return
	}
	stamped, err := sjson.SetBytes(event, typ+".probe_id", c.probeID)
	if err != nil {
		c.logger.Warnf("Dropping %s event: %v", typ, err)
		c.metrics.eventsDropped.WithLabelValues("invalid").Inc()
		return
	}

	select {
	case c.EventChannel <- stamped:
		c.metrics.eventsQueued.Inc()
	default:
		c.logger.Warnf("Channel full: dropping %s event", typ)
		c.metrics.eventsDropped.WithLabelValues("buffer_full").Inc()
	}
}

// ForwardEvents receives events as they are published and posts them to
// the collector in batches until ctx is done.
func (c *Client) ForwardEvents(ctx context.Context) error {
	ticker := time.NewTicker(c.maxBatchAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Forwarder context canceled, not processing any more events")
			return nil
		case event := <-c.EventChannel:
			c.forwardEvent(ctx, event)
		case <-ticker.C:
			if c.batch.ShouldShip() {
				if err := c.sendBatch(ctx); err != nil {
					c.logger.Errorf("Error sending to collector: %v", err)
				}
			}
		}
	}
}

// FlushEvents reads all the events in the event channel and sends them
// to the collector.
func (c *Client) FlushEvents(ctx context.Context) {
	if c.IsUnhealthy() {
		c.logger.Debug("Flush skipped - Transport failing")
		return
	}
	c.logger.Debug("Flush started - Processing events")
	for {
		select {
		case event := <-c.EventChannel:
			c.forwardEvent(ctx, event)
		case <-ctx.Done():
			c.logger.Debug("Failed to flush completely, may result in data drop")
			return
		default:
			// Flush any remaining data in batch
			if err := c.sendBatch(ctx); err != nil {
				c.logger.Errorf("Error sending to collector, skipping: %v", err)
			}
			c.logger.Debug("Flush ended - no data in buffer")
			return
		}
	}
}

// PostToCollector takes an ndjson payload and posts it to the collector.
//
// The payload is gzip compressed. It sets the transport status to failing
// upon errors, as part of the backoff strategy.
func (c *Client) PostToCollector(ctx context.Context, data []byte) error {
	if c.IsUnhealthy() {
		return errors.New("transport status is unhealthy")
	}

	endpointURI := "intake/v1/events"

	buf := c.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		c.bufferPool.Put(buf)
	}()
	gw, err := gzip.NewWriterLevel(buf, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := gw.Write(data); err != nil {
		return fmt.Errorf("failed to compress data: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("failed to write compressed data to buffer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.collectorURL+endpointURI, buf)
	if err != nil {
		return fmt.Errorf("failed to create a new request when posting to collector: %w", err)
	}
	req.Header.Add("Content-Encoding", "gzip")
	req.Header.Add("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent)
	if c.APIKey != "" {
		req.Header.Add("Authorization", "ApiKey "+c.APIKey)
	} else if c.SecretToken != "" {
		req.Header.Add("Authorization", "Bearer "+c.SecretToken)
	}

	c.logger.Debug("Sending data chunk to collector")
	resp, err := c.client.Do(req)
	if err != nil {
		c.UpdateStatus(ctx, Failing)
		c.metrics.batchesSent.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to post to collector: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.batchesSent.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	// On success, the collector will respond with a 202 Accepted status code and no body.
	if resp.StatusCode == http.StatusAccepted {
		c.UpdateStatus(ctx, Healthy)
		return nil
	}

	// RateLimited
	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warnf("Transport has been rate limited: response status code: %d", resp.StatusCode)
		c.UpdateStatus(ctx, RateLimited)
		return nil
	}

	// Auth errors
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		logBodyErrors(c.logger, resp)
		c.UpdateStatus(ctx, Failing)
		return nil
	}

	// ClientErrors
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		logBodyErrors(c.logger, resp)
		c.UpdateStatus(ctx, ClientFailing)
		return nil
	}

	// critical errors
	if resp.StatusCode == http.StatusInternalServerError || resp.StatusCode == http.StatusServiceUnavailable {
		logBodyErrors(c.logger, resp)
		c.UpdateStatus(ctx, Failing)
		return nil
	}

	c.logger.Warnf("unhandled status code: %d", resp.StatusCode)
	return nil
}

func logBodyErrors(logger *zap.SugaredLogger, resp *http.Response) {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warnf("failed to post data to collector: response status: %s: failed to read response body: %v", resp.Status, err)
		return
	}

	jErr := jsonResult{}
	if err := json.Unmarshal(b, &jErr); err != nil {
		logger.Warnf("failed to post data to collector: response status: %s: failed to decode response body: %v: body: %s", resp.Status, err, string(b))
		return
	}

	if len(jErr.Errors) == 0 {
		logger.Warnf("failed to post data to collector: response status: %s: response body: %s", resp.Status, string(b))
		return
	}

	logger.Warnf("failed to post data to collector: response status: %s", resp.Status)
	for _, err := range jErr.Errors {
		logger.Warnf("document %s: message: %s", err.Document, err.Message)
	}
}

// IsUnhealthy returns true if the transport is in its grace period.
func (c *Client) IsUnhealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status == Failing
}

// CurrentStatus returns the transport status.
func (c *Client) CurrentStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}

// UpdateStatus takes a state of the collector transport and updates
// the current state of the transport. For a change to a failing state, the grace period
// is calculated and a go routine is started that waits for that period to complete
// before changing the status to "started". This would allow a subsequent send attempt
// to the collector.
//
// This function is public for use in tests.
func (c *Client) UpdateStatus(ctx context.Context, status Status) {
	// Reduce lock contention as UpdateStatus is called on every
	// successful request
	c.mu.RLock()
	if status == c.Status {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	switch status {
	case Healthy:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.Status == status {
			return
		}
		c.Status = status
		c.logger.Debugf("Collector transport status set to %s", c.Status)
		c.ReconnectionCount = -1
	case RateLimited, ClientFailing:
		// No need to start backoff, this is a temporary status. It usually
		// means we went over the limit of events/s.
		c.mu.Lock()
		c.Status = status
		c.logger.Debugf("Collector transport status set to %s", c.Status)
		c.mu.Unlock()
	case Failing:
		c.mu.Lock()
		c.Status = status
		c.logger.Debugf("Collector transport status set to %s", c.Status)
		c.ReconnectionCount++
		gracePeriodTimer := time.NewTimer(c.ComputeGracePeriod())
		c.logger.Debugf("Grace period entered, reconnection count : %d", c.ReconnectionCount)
		c.mu.Unlock()

		go func() {
			defer gracePeriodTimer.Stop()
			select {
			case <-gracePeriodTimer.C:
				c.logger.Debug("Grace period over - timer timed out")
			case <-ctx.Done():
				c.logger.Debug("Grace period over - context done")
			}
			c.mu.Lock()
			c.Status = Started
			c.logger.Debugf("Collector transport status set to %s", c.Status)
			c.mu.Unlock()
		}()
	default:
		c.logger.Errorf("Cannot set collector transport status to %s", status)
	}
}

// ComputeGracePeriod returns the backoff before the next attempt: a
// random delay of up to 5s after the first failure, then the square of
// the reconnection count (capped at 6) in seconds with a +/-10% jitter.
func (c *Client) ComputeGracePeriod() time.Duration {
	// If reconnectionCount is 0, returns a random number in an interval.
	// The grace period for the first reconnection count was 0 but that
	// leads to collisions with multiple environments.
	if c.ReconnectionCount == 0 {
		gracePeriod := rand.Float64() * 5 //nolint:gosec
		return time.Duration(gracePeriod * float64(time.Second))
	}
	gracePeriodWithoutJitter := math.Pow(math.Min(float64(c.ReconnectionCount), 6), 2)
	jitter := rand.Float64()/5 - 0.1 //nolint:gosec
	return time.Duration((gracePeriodWithoutJitter + jitter*gracePeriodWithoutJitter) * float64(time.Second))
}

func (c *Client) forwardEvent(ctx context.Context, event []byte) {
	if err := c.batch.Add(event); err != nil {
		c.logger.Warnf("Dropping event due to error: %v", err)
		c.metrics.eventsDropped.WithLabelValues(dropReason(err)).Inc()
	}
	if c.batch.ShouldShip() {
		if err := c.sendBatch(ctx); err != nil {
			c.logger.Errorf("Error sending to collector: %v", err)
		}
	}
}

// sendBatch posts the batch. A batch the collector could not be reached
// with is kept for the next attempt, as is the batch built while the
// transport is in its grace period; new events are dropped once it is
// full. A batch the collector answered is reset whatever the status.
func (c *Client) sendBatch(ctx context.Context) error {
	if c.batch.Count() == 0 {
		return nil
	}
	if c.IsUnhealthy() {
		c.logger.Debugf("Transport failing, keeping %d events in batch", c.batch.Count())
		return nil
	}
	if err := c.PostToCollector(ctx, c.batch.Bytes()); err != nil {
		return err
	}
	c.batch.Reset()
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, accumulator.ErrBatchFull):
		return "batch_full"
	case errors.Is(err, accumulator.ErrInvalidEvent):
		return "invalid"
	}
	return "error"
}
