package clearing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPTransport posts requests as JSON to the clearing network's RPC
// endpoint.
type HTTPTransport struct {
	client *resty.Client
	path   string
}

// NewHTTPTransport creates a transport against baseURL. timeout bounds
// every call even when the caller's context has no deadline.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPTransport{client: client, path: "/rpc"}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	var out Response
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(t.path)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("clearing %s: %w: %v", req.Method, context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("clearing %s: %w", req.Method, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("clearing %s: status %d: %s", req.Method, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return &out, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HMACSigner signs payloads with a shared API secret. It stands in for the
// network's challenge/response handshake when the node trusts a static key.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer for secret.
func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of payload.
func (s *HMACSigner) Sign(_ context.Context, payload []byte) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("clearing: empty signing secret")
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
