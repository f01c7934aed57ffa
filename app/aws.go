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
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"
)

var errNoAWSConfig = errors.New("no AWS config available")

func loadAWSOptions(ctx context.Context, lazyCfg func() (*aws.Config, error), logger *zap.SugaredLogger) (string, string) {
	var manager *secretsmanager.Client
	lazyManager := func() (*secretsmanager.Client, error) {
		if manager != nil {
			return manager, nil
		}

		if lazyCfg == nil {
			return nil, errNoAWSConfig
		}
		cfg, err := lazyCfg()
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS default config: %w", err)
		}

		manager = secretsmanager.NewFromConfig(*cfg)
		return manager, nil
	}

	apiKey := os.Getenv("ELASTIC_LIVE_PROBE_API_KEY")
	if apiKeySMSecretID, ok := os.LookupEnv("ELASTIC_LIVE_PROBE_SECRETS_MANAGER_API_KEY_ID"); ok {
		result, err := loadSecret(ctx, lazyManager, apiKeySMSecretID)
		if err != nil {
			logger.Warnf("Could not load collector API key from AWS Secrets Manager. Reporting events will likely fail. Is 'ELASTIC_LIVE_PROBE_SECRETS_MANAGER_API_KEY_ID=%s' correct? Error message: %v", apiKeySMSecretID, err)
			apiKey = ""
		} else {
			logger.Infof("Using the collector API key retrieved from AWS Secrets Manager.")
			apiKey = result
		}
	}

	secretToken := os.Getenv("ELASTIC_LIVE_PROBE_SECRET_TOKEN")
	if secretTokenSMSecretID, ok := os.LookupEnv("ELASTIC_LIVE_PROBE_SECRETS_MANAGER_SECRET_TOKEN_ID"); ok {
		result, err := loadSecret(ctx, lazyManager, secretTokenSMSecretID)
		if err != nil {
			logger.Warnf("Could not load collector secret token from AWS Secrets Manager. Reporting events will likely fail. Is 'ELASTIC_LIVE_PROBE_SECRETS_MANAGER_SECRET_TOKEN_ID=%s' correct? Error message: %v", secretTokenSMSecretID, err)
			secretToken = ""
		} else {
			logger.Infof("Using the collector secret token retrieved from AWS Secrets Manager.")
			secretToken = result
		}
	}

	return apiKey, secretToken
}

func loadSecret(ctx context.Context, lazyManager func() (*secretsmanager.Client, error), secretID string) (string, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String("AWSCURRENT"),
	}

	manager, err := lazyManager()
	if err != nil {
		return "", fmt.Errorf("failed to create manager: %w", err)
	}

	result, err := manager.GetSecretValue(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve secret value: %w", err)
	}

	if result.SecretString != nil {
		return *result.SecretString, nil
	}

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(result.SecretBinary)))
	n, err := base64.StdEncoding.Decode(decoded, result.SecretBinary)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 encoded secret: %w", err)
	}

	return string(decoded[:n]), nil
}

func loadAcmCertificate(ctx context.Context, arn string, lazyCfg func() (*aws.Config, error)) (string, error) {
	if lazyCfg == nil {
		return "", errNoAWSConfig
	}
	cfg, err := lazyCfg()
	if err != nil {
		return "", fmt.Errorf("failed to load AWS default config: %w", err)
	}
	acmClient := acm.NewFromConfig(*cfg)
	response, err := acmClient.GetCertificate(ctx, &acm.GetCertificateInput{
		CertificateArn: aws.String(arn),
	})
	if err != nil {
		return "", err
	}
	if response.Certificate == nil {
		return "", fmt.Errorf("certificate %s has no PEM body", arn)
	}

	return *response.Certificate, nil
}
