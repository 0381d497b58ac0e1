// Package clearing connects sessions to the external off-chain clearing
// network. Authentication and transport are opaque collaborators: a Signer
// attaches a proof to each request and a Transport delivers it.
package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/model"
)

// Request methods understood by the clearing network.
const (
	MethodOpenSession  = "open_session"
	MethodCloseSession = "close_session"
)

// ErrRejected is returned when the network answers with an error.
var ErrRejected = errors.New("clearing: request rejected")

// Signer produces an authorization proof for a payload.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (string, error)
}

// Transport delivers a signed request and returns the network's reply.
// Implementations must honour ctx deadlines and report them as
// context.DeadlineExceeded.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Request is one signed call to the clearing network.
type Request struct {
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Params    map[string]string `json:"params"`
	Timestamp int64             `json:"ts"`
	Signature string            `json:"sig"`
}

// Payload is the canonical byte form the Signer signs. Params is a map, so
// encoding/json emits its keys in sorted order.
func (r *Request) Payload() ([]byte, error) {
	return json.Marshal(struct {
		ID        string            `json:"id"`
		Method    string            `json:"method"`
		Params    map[string]string `json:"params"`
		Timestamp int64             `json:"ts"`
	}{r.ID, r.Method, r.Params, r.Timestamp})
}

// Response is the network's reply.
type Response struct {
	ID    string `json:"id"`
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client implements ledger.Clearing over a Signer and a Transport.
type Client struct {
	signer    Signer
	transport Transport
	now       func() time.Time
}

// NewClient creates a clearing client.
func NewClient(signer Signer, transport Transport) *Client {
	return &Client{signer: signer, transport: transport, now: time.Now}
}

// OpenSession registers a session and returns the network's reference.
func (c *Client) OpenSession(ctx context.Context, s *model.Session) (string, error) {
	resp, err := c.call(ctx, MethodOpenSession, map[string]string{
		"session_id": s.ID,
		"owner":      s.OwnerAddress,
		"deposit":    s.DepositAmount.String(),
		"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// CloseSession reports the final withdrawable balance of a session.
func (c *Client) CloseSession(ctx context.Context, s *model.Session, final decimal.Decimal) error {
	_, err := c.call(ctx, MethodCloseSession, map[string]string{
		"session_id":    s.ID,
		"ref":           s.ClearingRef,
		"owner":         s.OwnerAddress,
		"final_balance": final.String(),
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, params map[string]string) (*Response, error) {
	req := &Request{
		ID:        uuid.New().String(),
		Method:    method,
		Params:    params,
		Timestamp: c.now().UnixMilli(),
	}
	payload, err := req.Payload()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	if req.Signature, err = c.signer.Sign(ctx, payload); err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}

	start := time.Now()
	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, method, resp.Error)
	}
	slog.Debug("clearing call", "method", method, "id", req.ID, "ref", resp.Ref, "elapsed", time.Since(start))
	return resp, nil
}
