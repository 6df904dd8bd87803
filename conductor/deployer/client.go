// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package deployer speaks the deployer fleet's HTTP API: creating an
// application version to trigger a deploy and deleting an application to
// undeploy it.
package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"github.com/hashicorp/conductor/conductor/structs"
)

const (
	// ContentTypeCreateApp is the media type of a deploy request body.
	ContentTypeCreateApp = "application/vnd.deployer.app.version.create.v1+json"

	// AcceptTask is the media type of the deployer's task documents.
	AcceptTask = "application/vnd.deployer.task.v1+json"

	// maxResponseBytes caps how much of a deployer response is read.
	maxResponseBytes = 1 << 20
)

// Response is the recorded outcome of one deployer call.
type Response struct {
	Status int
	Body   map[string]any
}

// Client is the HTTP client for the deployer API. Transport failures and
// gateway errors (502, 503) surface as recoverable deploy errors so the
// caller's retry budget applies; any other non-2xx answer is fatal.
type Client struct {
	logger     hclog.Logger
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a client with pooled connections, a per-request timeout
// and an outbound rate limit. requestsPerSecond of zero means unlimited.
func NewClient(logger hclog.Logger, timeout time.Duration, requestsPerSecond float64) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		logger:     logger.Named("deployer"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// CreateApp posts a new application version to one deployer, asking it to
// roll the deployment out.
func (c *Client) CreateApp(ctx context.Context, baseURL string, body map[string]any) (*Response, error) {
	endpoint := appsURL(baseURL)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding deploy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building deploy request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeCreateApp)
	req.Header.Set("Accept", AcceptTask)

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if resp.Status >= 400 {
		coded := structs.NewCodedError(structs.ErrCodeDeployFailed,
			fmt.Sprintf("deployer at %s rejected the deploy with status %d", baseURL, resp.Status))
		coded.Recoverable = retryableStatus(resp.Status)
		coded.WithDetail("url", endpoint).WithDetail("status", resp.Status)
		if resp.Body != nil {
			coded.WithDetail("response", resp.Body)
		}
		return nil, coded
	}
	return resp, nil
}

// DeleteApp asks one deployer to tear an application down. A non-2xx
// answer is recorded in the response rather than returned as an error;
// undeploys are best effort per deployer.
func (c *Client) DeleteApp(ctx context.Context, baseURL, appID string) (*Response, error) {
	endpoint := fmt.Sprintf("%s/%s", appsURL(baseURL), appID)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building undeploy request: %w", err)
	}
	req.Header.Set("Accept", AcceptTask)

	return c.do(req)
}

// do runs one request. Transport problems come back as recoverable deploy
// errors carrying the cause.
func (c *Client) do(req *http.Request) (*Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("waiting for request slot: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncrCounter([]string{"conductor", "deployer", "transport_error"}, 1)
		coded := structs.NewCodedError(structs.ErrCodeDeployFailed,
			fmt.Sprintf("deployer request failed: %v", err))
		coded.Recoverable = true
		coded.WithDetail("url", req.URL.String())
		return nil, coded
	}
	defer resp.Body.Close()
	metrics.IncrCounter([]string{"conductor", "deployer", "response", fmt.Sprintf("%dxx", resp.StatusCode/100)}, 1)

	c.logger.Debug("deployer request",
		"method", req.Method, "url", req.URL.String(),
		"status", resp.StatusCode, "elapsed", time.Since(start))

	out := &Response{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil || len(raw) == 0 {
		return out, nil
	}

	var parsed map[string]any
	if jerr := json.Unmarshal(raw, &parsed); jerr == nil {
		out.Body = parsed
	} else {
		out.Body = map[string]any{"raw": string(raw)}
	}
	return out, nil
}

// retryableStatus reports whether a status is worth retrying: gateways in
// front of a restarting deployer answer 502 or 503 until it comes back.
func retryableStatus(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable
}

func appsURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/apps"
}
