// Copyright 2025 James Ross
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/outboxlabs/outbox/internal/entry"
	"github.com/outboxlabs/outbox/internal/retry"
)

// HTTPTransport delivers entries as POSTed JSON bodies to a single
// destination URL, grounded on eventhooks.WebhookSubscriber's client
// configuration and header-setting shape but simplified to the single
// request/response cycle the outbox contract needs.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport returns an HTTPTransport posting to url with the given
// per-request timeout. The underlying client caps idle connections the same
// way eventhooks.NewWebhookSubscriber does, since a delivery destination is
// typically one host hit repeatedly.
func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Send implements Transport. It classifies the HTTP response per spec.md
// §6: 2xx is success; 409 is treated as success (the destination already
// has this idempotency key, so the effect is already applied); 429 is
// transient and honors Retry-After; other 4xx are permanent; 5xx and
// connection-level errors are transient.
func (t *HTTPTransport) Send(ctx context.Context, e entry.Entry) SendResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(e.Payload))
	if err != nil {
		return SendResult{Err: fmt.Errorf("transport: build request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	idemKey := e.IdempotencyKey
	if idemKey == "" {
		idemKey = e.ID
	}
	req.Header.Set("Idempotency-Key", idemKey)
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return SendResult{Err: fmt.Errorf("transport: send: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusConflict {
		return SendResult{Success: true}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return SendResult{Success: true}
	}

	errMsg := fmt.Errorf("transport: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	class := retry.ClassifyHTTPStatus(resp.StatusCode)
	switch class {
	case retry.ClassPermanent:
		return SendResult{PermanentlyFailed: true, Err: errMsg}
	default:
		result := SendResult{Err: errMsg}
		if d := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); d != nil {
			result.RetryAfter = d
		}
		return result
	}
}

// parseRetryAfter accepts either form RFC 7231 allows: an integer number of
// seconds, or an HTTP-date. It returns nil when header is empty or
// unparseable, leaving the caller to fall back to its own retry policy.
func parseRetryAfter(header string, now time.Time) *time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			secs = 0
		}
		d := time.Duration(secs) * time.Second
		return &d
	}

	if t, err := http.ParseTime(header); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}
