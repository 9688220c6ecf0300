// Package iprep is an HTTP client for an external IP reputation service.
// It implements fraud.ReputationProvider.
package iprep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/riskwatch/internal/circuitbreaker"
	"github.com/mbd888/riskwatch/internal/fraud"
	"github.com/mbd888/riskwatch/internal/metrics"
)

const (
	breakerKey     = "iprep"
	defaultTimeout = 500 * time.Millisecond
	maxBodyBytes   = 64 << 10
)

// Client queries GET {baseURL}/{ip} and expects
// {"blacklisted": bool, "proxy": bool}. A 404 means the service has no
// record of the address.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	timeout    time.Duration
}

var _ fraud.ReputationProvider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a client. A non-positive timeout uses 500ms.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup fetches the reputation of ip. It fails fast with
// circuitbreaker.ErrOpen while the service is considered down.
func (c *Client) Lookup(ctx context.Context, ip string) (*fraud.Reputation, error) {
	var rep *fraud.Reputation
	err := c.breaker.Do(breakerKey, func() error {
		var err error
		rep, err = c.fetch(ctx, ip)
		return err
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.IPReputationLookupsTotal.WithLabelValues("circuit_open").Inc()
		return nil, err
	case err != nil:
		metrics.IPReputationLookupsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.IPReputationLookupsTotal.WithLabelValues("ok").Inc()
	return rep, nil
}

func (c *Client) fetch(ctx context.Context, ip string) (*fraud.Reputation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query reputation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &fraud.Reputation{}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("reputation service returned %d", resp.StatusCode)
	}

	var rep fraud.Reputation
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode reputation: %w", err)
	}
	return &rep, nil
}
