package destination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"telemetry-engine/internal/reliability"
)

// HTTPDestination POSTs export documents to a fixed URL with the payload's
// content type plus caller-supplied headers. Deliveries route through a
// circuit breaker so a dead endpoint fails fast instead of stalling every
// scheduled run.
type HTTPDestination struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *reliability.CircuitBreaker
}

// HTTPOption customizes an HTTP destination.
type HTTPOption func(*HTTPDestination)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDestination) {
		if client != nil {
			d.client = client
		}
	}
}

// WithHeaders adds headers sent on every delivery.
func WithHeaders(headers map[string]string) HTTPOption {
	return func(d *HTTPDestination) { d.headers = headers }
}

// WithBreaker substitutes the circuit breaker.
func WithBreaker(cb *reliability.CircuitBreaker) HTTPOption {
	return func(d *HTTPDestination) {
		if cb != nil {
			d.breaker = cb
		}
	}
}

// NewHTTPDestination constructs an HTTP destination.
func NewHTTPDestination(url string, opts ...HTTPOption) (*HTTPDestination, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("destination: empty url")
	}
	d := &HTTPDestination{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = reliability.NewCircuitBreaker(reliability.BreakerConfig{
			Name:         "export-http",
			MaxFailures:  5,
			ResetTimeout: time.Minute,
		})
	}
	return d, nil
}

func (d *HTTPDestination) Deliver(ctx context.Context, p Payload) (string, error) {
	err := d.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(p.Body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", p.ContentType)
		for k, v := range d.headers {
			req.Header.Set(k, v)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 300 {
			return fmt.Errorf("destination: http %d from %s", resp.StatusCode, d.url)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return d.url, nil
}
