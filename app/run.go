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
	"sync"
	"time"
)

// Run starts the control server, the event forwarder and the expiry
// sweeper, and blocks until ctx is done. Buffered events are flushed
// before returning.
func (app *App) Run(ctx context.Context) error {
	if err := app.collector.StartControl(); err != nil {
		return fmt.Errorf("failed to start the control server: %w", err)
	}
	defer func() {
		if err := app.collector.Shutdown(); err != nil {
			app.logger.Warnf("Error while shutting down the control server: %v", err)
		}
	}()

	// Flush all data before shutting down.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		app.collector.FlushEvents(ctx)
	}()
	defer app.clock.Stop()
	defer app.sampler.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.registry.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := app.collector.ForwardEvents(ctx); err != nil {
			app.logger.Errorf("Event forwarder stopped: %v", err)
		}
	}()

	<-ctx.Done()
	app.logger.Info("Received a signal, exiting...")
	wg.Wait()
	return nil
}
