// Package upstream talks to content providers. It normalizes provider
// responses into Records keyed by natural key and classifies failures as
// transient (retried here, inside the client) or permanent (recorded as a
// per-item failure by the pipeline, which continues).
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/teranos/qafila/errors"
)

// Record is one normalized upstream row ready for the record store.
type Record struct {
	Resource   string          `json:"resource"`
	NaturalKey string          `json:"natural_key"`
	Payload    json.RawMessage `json:"payload"`
}

// Request identifies one upstream fetch for a work item.
type Request struct {
	Resource string            // resource name recorded on returned rows
	Path     string            // provider path, e.g. "/v1/chapters/2/verses"
	Query    map[string]string // optional query parameters
}

// Client is the narrow interface pipelines fetch through.
type Client interface {
	Fetch(ctx context.Context, req Request) ([]Record, error)
}

// IsTransient reports whether err is worth retrying (network error, 5xx,
// timeout).
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, errors.ErrUpstreamTransient)
}

// IsPermanent reports whether err will not succeed on retry (4xx, malformed
// payload).
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, errors.ErrUpstreamPermanent)
}

const (
	defaultCallTimeout  = 30 * time.Second
	maxTransientRetries = 3
)

// HTTPClient fetches from a provider speaking the normalized envelope:
//
//	{"records": [{"natural_key": "...", "payload": {...}}, ...]}
//
// Every call carries a timeout so a stuck upstream cannot hang a job;
// a timeout is classified transient and, once retries are exhausted,
// becomes a per-item failure rather than a pipeline abort.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.callTimeout = d }
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient creates a client for one provider base URL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		callTimeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Records []struct {
		NaturalKey string          `json:"natural_key"`
		Payload    json.RawMessage `json:"payload"`
	} `json:"records"`
}

// Fetch implements Client. Transient failures are retried up to
// maxTransientRetries with exponential backoff before surfacing.
func (c *HTTPClient) Fetch(ctx context.Context, req Request) ([]Record, error) {
	operation := func() ([]Record, error) {
		records, err := c.fetchOnce(ctx, req)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return records, err
	}

	records, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTransientRetries),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", req.Path)
	}
	return records, nil
}

func (c *HTTPClient) fetchOnce(ctx context.Context, req Request) ([]Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.buildURL(req), nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUpstreamPermanent, "build request for %s: %v", req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network failure or timeout
		return nil, errors.Wrapf(errors.ErrUpstreamTransient, "call %s: %v", req.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.Wrapf(errors.ErrUpstreamTransient, "%s returned %d", req.Path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, errors.Wrapf(errors.ErrUpstreamPermanent, "%s returned %d", req.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUpstreamTransient, "read %s: %v", req.Path, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrapf(errors.ErrUpstreamPermanent, "malformed response from %s: %v", req.Path, err)
	}

	records := make([]Record, 0, len(env.Records))
	for _, r := range env.Records {
		if r.NaturalKey == "" {
			return nil, errors.Wrapf(errors.ErrUpstreamPermanent, "record from %s missing natural key", req.Path)
		}
		records = append(records, Record{
			Resource:   req.Resource,
			NaturalKey: r.NaturalKey,
			Payload:    r.Payload,
		})
	}
	return records, nil
}

func (c *HTTPClient) buildURL(req Request) string {
	u := c.baseURL + req.Path
	if len(req.Query) == 0 {
		return u
	}
	values := url.Values{}
	for k, v := range req.Query {
		values.Set(k, v)
	}
	return fmt.Sprintf("%s?%s", u, values.Encode())
}
