package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/vaultos/ledger-engine/internal/model"
)

// Publisher delivers a settlement to the external ledger. Publishing the
// same settlement twice must be harmless.
type Publisher interface {
	Publish(ctx context.Context, s *model.Settlement) error
}

// HTTPPublisher posts settlements to an external ledger gateway.
type HTTPPublisher struct {
	client *resty.Client
}

// NewHTTPPublisher creates a publisher against baseURL.
func NewHTTPPublisher(baseURL string, timeout time.Duration) *HTTPPublisher {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
	return &HTTPPublisher{client: client}
}

// Publish implements Publisher. The market ID is sent as an idempotency key.
func (p *HTTPPublisher) Publish(ctx context.Context, s *model.Settlement) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", s.MarketID).
		SetBody(s).
		Post("/settlements")
	if err != nil {
		return fmt.Errorf("publish settlement %s: %w", s.MarketID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("publish settlement %s: status %d", s.MarketID, resp.StatusCode())
	}
	return nil
}

// RelayConfig tunes the outbox drain loop.
type RelayConfig struct {
	Interval   time.Duration // between drain passes
	RatePerSec float64       // publish rate limit
	Burst      int
	BatchSize  int
}

// Relay drains an Outbox through a Publisher.
type Relay struct {
	outbox    *Outbox
	publisher Publisher
	limiter   *rate.Limiter
	interval  time.Duration
	batch     int
}

// NewRelay creates a relay. Zero config values fall back to one pass per
// 5s, 5 publishes per second, batches of 50.
func NewRelay(outbox *Outbox, publisher Publisher, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		interval:  cfg.Interval,
		batch:     cfg.BatchSize,
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if n, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			slog.Error("settlement relay pass failed", "err", err)
		} else if n > 0 {
			slog.Info("settlements published", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush makes one pass over the pending entries and returns how many were
// published. A failed entry stays pending for the next pass.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	entries, err := r.outbox.Pending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range entries {
		if err := r.limiter.Wait(ctx); err != nil {
			return published, fmt.Errorf("rate limiter: %w", err)
		}
		if err := r.publisher.Publish(ctx, e.Settlement); err != nil {
			slog.Warn("settlement publish failed", "market", e.MarketID, "attempt", e.Attempts+1, "err", err)
			if merr := r.outbox.MarkFailed(ctx, e.MarketID, err); merr != nil {
				return published, merr
			}
			continue
		}
		if err := r.outbox.MarkPublished(ctx, e.MarketID); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
