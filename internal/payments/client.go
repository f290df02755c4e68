// Package payments talks to the payment collaborator. The only call the
// service needs is the checkout session lookup used by the success page,
// which returns the same signed event the webhook delivers.
package payments

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

	"golang.org/x/time/rate"
)

var (
	ErrSessionNotFound = errors.New("payments: session not found")
	// ErrUnavailable marks a lookup worth retrying later.
	ErrUnavailable = errors.New("payments: provider unavailable")
)

// Session is the provider's view of a checkout session. Event is the signed
// payment event token for it, verified by the caller.
type Session struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

// Client looks up checkout sessions.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient targets baseURL. Outbound calls are limited to perSecond with
// the given burst so that a reload storm on the success page cannot flood
// the provider.
func NewClient(baseURL string, httpClient *http.Client, perSecond float64, burst int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Session fetches one checkout session.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Session{}, ErrSessionNotFound
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Session{}, ErrSessionNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Session{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Session{}, fmt.Errorf("payments: unexpected status %d", resp.StatusCode)
	}
	var s Session
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if s.Event == "" {
		return Session{}, fmt.Errorf("payments: session %s carries no event", sessionID)
	}
	return s, nil
}
