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
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/elastic/apm-live-probe/app"
)

func main() {
	if err := mainWithError(); err != nil {
		log.Fatal(err)
	}
}

func mainWithError() error {
	// Global context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if envFile := os.Getenv("ELASTIC_LIVE_PROBE_ENV_FILE"); envFile != "" {
		// Variables already set in the environment take precedence.
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	var awsCfg *aws.Config
	lazyAWSConfig := func() (*aws.Config, error) {
		if awsCfg != nil {
			return awsCfg, nil
		}
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		awsCfg = &cfg
		return awsCfg, nil
	}

	application, err := app.New(ctx,
		app.WithLogLevel(os.Getenv("ELASTIC_LIVE_PROBE_LOG_LEVEL")),
		app.WithAWSConfig(lazyAWSConfig),
	)
	if err != nil {
		return fmt.Errorf("failed to create the app: %w", err)
	}

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("error while running: %w", err)
	}

	return nil
}
