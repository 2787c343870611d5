package common

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"risk-core/internal/riskerr"
)

// Client is the shared HTTP plumbing both venue adapters build on:
// signing, nonce stamping, rate limiting, and status-code classification
// into the taxonomy §7 defines. Grounded on
// pkg/exchanges/binance/{spot,futures_usdt}'s doSigned, collapsed into one
// shared implementation per the single-Signer DESIGN NOTE (§9).
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	RateLimiter *RateLimiter
}

// NewClient builds a venue HTTP client.
func NewClient(baseURL string, rl *RateLimiter) *Client {
	return &Client{
		BaseURL:     baseURL,
		HTTPClient:  &http.Client{Timeout: 10 * time.Second},
		RateLimiter: rl,
	}
}

// DoSigned issues a signed request. params are form/query encoded
// depending on method, matching the teacher's GET/DELETE-as-query,
// POST-as-form-body split.
func (c *Client) DoSigned(ctx context.Context, signer *Signer, method, path string, params url.Values) ([]byte, error) {
	if c.RateLimiter != nil {
		if err := c.RateLimiter.Wait(ctx); err != nil {
			return nil, riskerr.Wrap(riskerr.TransientNetwork, "rate limiter wait", err)
		}
	}

	nonce := signer.Nonce()
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", fmt.Sprintf("%d", nonce))
	encoded := params.Encode()

	sig := signer.Sign(method, path, nonce, encoded)
	params.Set("signature", sig)
	encoded = params.Encode()

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.BaseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, riskerr.Wrap(riskerr.InvalidInput, "build request", err)
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, ClassifyNetworkError(err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, ClassifyStatus(res.StatusCode, string(body))
	}
	return body, nil
}

// ClassifyNetworkError maps a transport-level error into the taxonomy;
// timeouts and connection resets are transient (retryable), everything
// else is unclassified.
func ClassifyNetworkError(err error) error {
	var netErr net.Error
	if asNetError(err, &netErr) && (netErr.Timeout()) {
		return riskerr.Wrap(riskerr.TransientNetwork, "network timeout", err)
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "timeout", "i/o timeout", "eof"} {
		if strings.Contains(msg, pattern) {
			return riskerr.Wrap(riskerr.TransientNetwork, "transient network error", err)
		}
	}
	return riskerr.Wrap(riskerr.Unknown(), "network error", err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ClassifyStatus maps an HTTP status code + body into the taxonomy.
func ClassifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return riskerr.New(riskerr.AuthFailure, fmt.Sprintf("status %d: %s", status, body))
	case status == http.StatusTooManyRequests:
		return riskerr.New(riskerr.Throttled, fmt.Sprintf("status %d: %s", status, body))
	case status >= 500:
		return riskerr.New(riskerr.TransientNetwork, fmt.Sprintf("status %d: %s", status, body))
	default:
		return riskerr.VenueRejectErr(fmt.Sprintf("%d", status), body)
	}
}
