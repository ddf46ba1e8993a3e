// Package feed talks to a remote threat-list server over HTTP/JSON: chunk
// downloads for the update loop and full-hash resolution for pending checks.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/services/coordinator"
)

const (
	requestIDHeader = "X-Request-ID"
	apiKeyHeader    = "X-API-Key"
	maxBodyBytes    = 16 << 20

	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	// Rate is the steady request rate per second; zero disables limiting.
	Rate  float64
	Burst int
	// BreakerFailures consecutive full-hash failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          log.Logger
}

// Client implements coordinator.UpdateFeed against a feed server.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// New builds a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid feed url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaultBreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaultBreakerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	logger := opts.Logger
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed-gethash",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A caller giving up is not the feed's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(map[string]any{"breaker": name, "from": from.String(), "to": to.String()}, "Feed circuit breaker changed state")
		},
	})

	return &Client{
		base:    base,
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// FetchFullHash resolves prefixes through the gethash endpoint. Any failure,
// including an open breaker, is reported as domain.ErrFeedUnavailable.
func (c *Client) FetchFullHash(ctx context.Context, prefixes []domain.Prefix) ([]domain.FullHash, bool, error) {
	req := gethashRequest{Prefixes: make([]string, len(prefixes))}
	for i, p := range prefixes {
		req.Prefixes[i] = p.String()
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp gethashResponse
		if err := c.post(ctx, "gethash", req, &resp); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", domain.ErrFeedUnavailable, err)
	}
	resp := out.(gethashResponse)
	hashes, err := resp.toFullHashes()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", domain.ErrFeedUnavailable, err)
	}
	return hashes, resp.Cacheable, nil
}

// PollChunkUpdates downloads the chunks missing from lists.
func (c *Client) PollChunkUpdates(ctx context.Context, lists []domain.ListDescriptor) (domain.UpdateBatch, error) {
	var resp downloadsResponse
	if err := c.post(ctx, "downloads", downloadsRequest{Lists: toListStates(lists)}, &resp); err != nil {
		return domain.UpdateBatch{}, err
	}
	batch, err := resp.toBatch()
	if err != nil {
		return domain.UpdateBatch{}, fmt.Errorf("malformed downloads response: %w", err)
	}
	return batch, nil
}

// post sends body as JSON to base/path and decodes a JSON answer into out.
// 204 No Content leaves out untouched.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := c.base.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestIDHeader, requestID)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug(map[string]any{
		"endpoint":   path,
		"status":     resp.StatusCode,
		"request_id": requestID,
		"elapsed":    time.Since(start).String(),
	}, "Feed request completed")

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{Endpoint: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-200 answer from the feed.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("feed %s returned status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("feed %s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

var _ coordinator.UpdateFeed = (*Client)(nil)
