// Package helpers provides clients for helper nodes: remote HTTP peers
// that offload embedding and reranking. Every call runs behind a
// circuit breaker with retries for transient failures, and errors carry
// the node's configured fallback directive so callers know whether to
// degrade locally or fail the request.
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opta-ai/opta-lmx/pkg/infra"
	"github.com/opta-ai/opta-lmx/pkg/internal/utils"
	"github.com/opta-ai/opta-lmx/pkg/logging"
)

// Fallback directives attached to helper errors.
const (
	FallbackLocal = "local"
	FallbackSkip  = "skip"
)

// ErrNoHealthyNodes is returned by the pool when no helper can take a
// call.
var ErrNoHealthyNodes = errors.New("no healthy helper nodes")

// ErrHelperDown wraps a helper failure with the node's fallback
// directive. Callers treat "local" as permission to run the in-process
// equivalent and "skip" as a hard failure.
type ErrHelperDown struct {
	Node     string
	Fallback string
	Err      error
}

func (e *ErrHelperDown) Error() string {
	return fmt.Sprintf("helper node %s unavailable (fallback %s): %v", e.Node, e.Fallback, e.Err)
}

func (e *ErrHelperDown) Unwrap() error { return e.Err }

// NodeConfig describes one helper node.
type NodeConfig struct {
	Name             string
	BaseURL          string
	Timeout          time.Duration
	Fallback         string
	MaxRetries       int
	FailureThreshold int
	ResetTimeout     time.Duration
}

// RankedDoc is one rerank result, highest score first.
type RankedDoc struct {
	Index    int     `json:"index"`
	Document string  `json:"document"`
	Score    float64 `json:"score"`
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []RankedDoc `json:"results"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("helper returned status %d", e.code)
	}
	return fmt.Sprintf("helper returned status %d: %s", e.code, e.body)
}

// Client talks to a single helper node.
type Client struct {
	log      logging.Logger
	name     string
	baseURL  string
	fallback string
	timeout  time.Duration
	attempts int
	backoff  infra.BackoffPolicy
	breaker  *infra.Breaker
	http     *http.Client
	healthy  atomic.Bool
}

// NewClient builds a client for one node. Nodes start unhealthy until
// the first health check passes.
func NewClient(log logging.Logger, cfg NodeConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fallback := cfg.Fallback
	if fallback == "" {
		fallback = FallbackSkip
	}
	c := &Client{
		log:      log.WithField("helper", cfg.Name),
		name:     cfg.Name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		fallback: fallback,
		timeout:  timeout,
		attempts: cfg.MaxRetries + 1,
		backoff:  infra.DefaultBackoff(),
		breaker: infra.NewBreaker(infra.BreakerConfig{
			Name:             cfg.Name,
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	return c
}

// Name returns the configured node name.
func (c *Client) Name() string { return c.name }

// Fallback returns the node's fallback directive.
func (c *Client) Fallback() string { return c.fallback }

// Healthy reports the last health-check result.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// Breaker exposes the node's circuit breaker for status reporting.
func (c *Client) Breaker() *infra.Breaker { return c.breaker }

// Embed requests vectors for the given texts.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out embedResponse
	if err := c.call(ctx, "/embed", embedRequest{Texts: texts}, &out); err != nil {
		return nil, c.down(err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, c.down(fmt.Errorf("helper returned %d vectors for %d texts", len(out.Vectors), len(texts)))
	}
	return out.Vectors, nil
}

// Rerank scores docs against the query and returns the top n, highest
// score first. topN <= 0 returns all docs ranked.
func (c *Client) Rerank(ctx context.Context, query string, docs []string, topN int) ([]RankedDoc, error) {
	if topN <= 0 {
		topN = len(docs)
	}
	var out rerankResponse
	if err := c.call(ctx, "/rerank", rerankRequest{Query: query, Documents: docs, TopN: topN}, &out); err != nil {
		return nil, c.down(err)
	}
	return out.Results, nil
}

// HealthCheck probes the node's /health endpoint and records the
// result. It bypasses the breaker: the health loop is what decides
// whether the node is selectable at all.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		c.setHealthy(false)
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.setHealthy(false)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.setHealthy(ok)
	return ok
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) setHealthy(ok bool) {
	if c.healthy.Swap(ok) != ok {
		if ok {
			c.log.Info("helper node healthy")
		} else {
			c.log.Warn("helper node unhealthy")
		}
	}
}

// call runs one logical request: breaker outermost so an exhausted
// retry budget counts as a single failure.
func (c *Client) call(ctx context.Context, path string, in, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := infra.Retry(ctx, c.backoff, c.attempts, retryableHelperError, func(int) (struct{}, error) {
			return struct{}{}, c.doJSON(ctx, path, in, out)
		})
		return err
	})
}

func (c *Client) doJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: utils.SanitizeForLog(string(tail))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) down(err error) *ErrHelperDown {
	return &ErrHelperDown{Node: c.name, Fallback: c.fallback, Err: err}
}

// retryableHelperError: 429, 5xx, timeouts, and transport errors are
// worth another attempt; other HTTP statuses and caller cancellation
// are not.
func retryableHelperError(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.code == http.StatusTooManyRequests || status.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}
