package clearing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/clearing"
	"github.com/vaultos/ledger-engine/internal/model"
)

const secret = "s3cret"

type fakeNetwork struct {
	mu       sync.Mutex
	requests []clearing.Request
	reject   string
	delay    time.Duration
}

func (n *fakeNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/rpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req clearing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-r.Context().Done():
			return
		}
	}

	payload, _ := req.Payload()
	want, _ := clearing.NewHMACSigner(secret).Sign(r.Context(), payload)
	if req.Signature != want {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	n.mu.Lock()
	n.requests = append(n.requests, req)
	n.mu.Unlock()

	resp := clearing.Response{ID: req.ID, Error: n.reject}
	if n.reject == "" && req.Method == clearing.MethodOpenSession {
		resp.Ref = "ch-" + req.Params["session_id"]
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newSession() *model.Session {
	return &model.Session{
		ID:            "sess-1",
		OwnerAddress:  "0x1111111111111111111111111111111111111111",
		DepositAmount: decimal.NewFromInt(250),
		ExpiresAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestClient_OpenAndClose(t *testing.T) {
	network := &fakeNetwork{}
	srv := httptest.NewServer(network)
	defer srv.Close()

	c := clearing.NewClient(clearing.NewHMACSigner(secret), clearing.NewHTTPTransport(srv.URL, time.Second))
	ctx := context.Background()
	s := newSession()

	ref, err := c.OpenSession(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "ch-sess-1", ref)

	s.ClearingRef = ref
	require.NoError(t, c.CloseSession(ctx, s, decimal.RequireFromString("212.5")))

	require.Len(t, network.requests, 2)
	open, closing := network.requests[0], network.requests[1]
	assert.Equal(t, clearing.MethodOpenSession, open.Method)
	assert.Equal(t, "250", open.Params["deposit"])
	assert.Equal(t, clearing.MethodCloseSession, closing.Method)
	assert.Equal(t, "212.5", closing.Params["final_balance"])
	assert.Equal(t, ref, closing.Params["ref"])
	assert.NotEqual(t, open.ID, closing.ID)
}

func TestClient_Rejected(t *testing.T) {
	srv := httptest.NewServer(&fakeNetwork{reject: "insufficient collateral"})
	defer srv.Close()

	c := clearing.NewClient(clearing.NewHMACSigner(secret), clearing.NewHTTPTransport(srv.URL, time.Second))
	_, err := c.OpenSession(context.Background(), newSession())
	assert.ErrorIs(t, err, clearing.ErrRejected)
	assert.Contains(t, err.Error(), "insufficient collateral")
}

func TestClient_BadSignatureIsAnError(t *testing.T) {
	srv := httptest.NewServer(&fakeNetwork{})
	defer srv.Close()

	c := clearing.NewClient(clearing.NewHMACSigner("wrong"), clearing.NewHTTPTransport(srv.URL, time.Second))
	_, err := c.OpenSession(context.Background(), newSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_TimeoutIsDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(&fakeNetwork{delay: 2 * time.Second})
	defer srv.Close()

	c := clearing.NewClient(clearing.NewHMACSigner(secret), clearing.NewHTTPTransport(srv.URL, 5*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.OpenSession(ctx, newSession())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, apperr.KindExternalTimeout, apperr.KindOf(err))
}

func TestHMACSigner(t *testing.T) {
	s := clearing.NewHMACSigner(secret)
	a, err := s.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	b, err := s.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	_, err = clearing.NewHMACSigner("").Sign(context.Background(), []byte("x"))
	assert.Error(t, err)
}
