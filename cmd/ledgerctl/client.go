package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/httpapi"
	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/model"
)

// apiClient talks to a running ledger-engine over its HTTP API.
type apiClient struct {
	http *resty.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr apiError
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if apiErr.Code != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode())
	}
	return nil
}

func (c *apiClient) createSession(ctx context.Context, owner string, deposit decimal.Decimal) (*httpapi.CreateSessionResponse, error) {
	var out httpapi.CreateSessionResponse
	err := c.do(ctx, resty.MethodPost, "/session", httpapi.CreateSessionRequest{Owner: owner, DepositAmount: deposit}, &out)
	return &out, err
}

func (c *apiClient) closeSession(ctx context.Context, id string) (decimal.Decimal, error) {
	var out struct {
		FinalBalance decimal.Decimal `json:"finalBalance"`
	}
	err := c.do(ctx, resty.MethodPost, "/session/"+id+"/close", nil, &out)
	return out.FinalBalance, err
}

func (c *apiClient) balance(ctx context.Context, sessionID string) (*httpapi.BalanceResponse, error) {
	var out httpapi.BalanceResponse
	err := c.do(ctx, resty.MethodGet, "/balance/"+sessionID, nil, &out)
	return &out, err
}

func (c *apiClient) moveToIdle(ctx context.Context, sessionID string, amount decimal.Decimal) (*httpapi.BalanceResponse, error) {
	var out httpapi.BalanceResponse
	err := c.do(ctx, resty.MethodPost, "/balance/move-to-idle", httpapi.SessionAmountRequest{SessionID: sessionID, Amount: amount}, &out)
	return &out, err
}

func (c *apiClient) refund(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	var out struct {
		RefundAmount decimal.Decimal `json:"refundAmount"`
	}
	err := c.do(ctx, resty.MethodPost, "/balance/refund", httpapi.SessionAmountRequest{SessionID: sessionID}, &out)
	return out.RefundAmount, err
}

func (c *apiClient) createMarket(ctx context.Context, question string, end time.Time, liquidity decimal.Decimal) (string, error) {
	var out struct {
		MarketID string `json:"marketId"`
	}
	err := c.do(ctx, resty.MethodPost, "/market", httpapi.CreateMarketRequest{Question: question, EndTime: end, Liquidity: liquidity}, &out)
	return out.MarketID, err
}

func (c *apiClient) markets(ctx context.Context, status string) ([]ledger.MarketView, error) {
	var out []ledger.MarketView
	path := "/market"
	if status != "" {
		path += "?status=" + status
	}
	err := c.do(ctx, resty.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) trade(ctx context.Context, side string, req httpapi.TradeRequest) (*httpapi.TradeResponse, error) {
	var out httpapi.TradeResponse
	err := c.do(ctx, resty.MethodPost, "/trade/"+side, req, &out)
	return &out, err
}

func (c *apiClient) resolve(ctx context.Context, marketID string, outcome model.Outcome, force bool) (*model.Settlement, error) {
	var out struct {
		Settlement model.Settlement `json:"settlement"`
	}
	err := c.do(ctx, resty.MethodPost, "/market/"+marketID+"/resolve", httpapi.ResolveRequest{WinningOutcome: outcome, Force: force}, &out)
	return &out.Settlement, err
}

func (c *apiClient) portfolio(ctx context.Context, user string) (*model.Portfolio, error) {
	var out model.Portfolio
	err := c.do(ctx, resty.MethodGet, "/positions/"+user, nil, &out)
	return &out, err
}
