// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rest implements source.Client against a REST metering API:
//
//	GET {base}/v1/permissions/{permissionId}/meters/{meterId}/readings?type=&from=&to=
//
// authorised with a bearer token obtained per permission.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/energy-permissions/pkg/source"
)

// maxErrorBody caps how much of an error response is kept in StatusError.
const maxErrorBody = 1024

// TokenSource returns an access token for a permission. Token acquisition and
// refresh live outside this module.
type TokenSource interface {
	Token(ctx context.Context, permissionID string) (string, error)
}

// StaticToken is a TokenSource returning the same token for every permission.
type StaticToken string

func (s StaticToken) Token(context.Context, string) (string, error) {
	return string(s), nil
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// ConnectionRetries bounds retries of connection level failures. HTTP
	// status codes are never retried here.
	ConnectionRetries int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
}

type Client struct {
	baseURL string
	http    *retryablehttp.Client
	tokens  TokenSource
	log     *zap.SugaredLogger
}

var _ source.Client = (*Client)(nil)

func New(cfg Config, tokens TokenSource, log *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = time.Second
	}

	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	retryClient.RetryMax = cfg.ConnectionRetries
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = &zapRetryLogger{logger: log}
	retryClient.CheckRetry = retryConnectionErrors(log)
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    retryClient,
		tokens:  tokens,
		log:     log,
	}
}

// HTTPClient exposes the underlying client, e.g. to intercept it in tests.
func (c *Client) HTTPClient() *http.Client {
	return c.http.HTTPClient
}

// Fetch requests the readings of one meter in [req.From, req.To]. Non-2xx
// responses are returned as *source.StatusError.
func (c *Client) Fetch(ctx context.Context, req source.Request) (*source.Payload, error) {
	token, err := c.tokens.Token(ctx, req.PermissionID)
	if err != nil {
		return nil, fmt.Errorf("get access token for permission %s: %w", req.PermissionID, err)
	}

	endpoint := fmt.Sprintf("%s/v1/permissions/%s/meters/%s/readings?%s",
		c.baseURL,
		url.PathEscape(req.PermissionID),
		url.PathEscape(req.MeterID),
		url.Values{
			"type": {string(req.ServiceType)},
			"from": {req.From.UTC().Format(time.RFC3339)},
			"to":   {req.To.UTC().Format(time.RFC3339)},
		}.Encode())

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch meter %s of permission %s: %w", req.MeterID, req.PermissionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return emptyPayload(req), nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &source.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded readingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode readings of meter %s: %w", req.MeterID, err)
	}

	payload := emptyPayload(req)
	payload.Readings = decoded.Readings

	c.log.Debugw("Fetched readings",
		"permission_id", req.PermissionID,
		"meter_id", req.MeterID,
		"count", len(payload.Readings))

	return payload, nil
}

type readingsResponse struct {
	Readings []source.Reading `json:"readings"`
}

func emptyPayload(req source.Request) *source.Payload {
	return &source.Payload{
		PermissionID: req.PermissionID,
		MeterID:      req.MeterID,
		ServiceType:  req.ServiceType,
		From:         req.From,
		To:           req.To,
	}
}

// retryConnectionErrors retries transport failures only, never HTTP statuses.
func retryConnectionErrors(log *zap.SugaredLogger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err == nil {
			return false, nil
		}

		errStr := err.Error()
		retryable := strings.Contains(errStr, "EOF") ||
			strings.Contains(errStr, "connection reset") ||
			strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "timeout") ||
			strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable")

		if retryable {
			log.Debugf("Retrying due to connection error: %v", err)
		}

		return retryable, nil
	}
}

// zapRetryLogger adapts zap.SugaredLogger to retryablehttp.LeveledLogger.
type zapRetryLogger struct {
	logger *zap.SugaredLogger
}

func (z *zapRetryLogger) Error(msg string, keysAndValues ...interface{}) {
	z.logger.Errorw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Infow(msg, keysAndValues...)
}

func (z *zapRetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.logger.Debugw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.logger.Warnw(msg, keysAndValues...)
}
