// Command ledgerctl is an operator CLI for a running ledger-engine.
//
//	ledgerctl [-addr URL] <command> [flags]
//
// Commands: open-session, close-session, balance, idle, refund,
// create-market, markets, buy, sell, resolve, portfolio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/httpapi"
	"github.com/vaultos/ledger-engine/internal/model"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage: ledgerctl [-addr URL] <open-session|close-session|balance|idle|refund|create-market|markets|buy|sell|resolve|portfolio> [flags]")

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	addr := global.String("addr", envOr("LEDGER_ADDR", "http://localhost:8080"), "ledger-engine base URL")
	timeout := global.Duration("timeout", 10*time.Second, "request timeout")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		return errUsage
	}
	c := newAPIClient(*addr, *timeout)
	cmd, rest := global.Arg(0), global.Args()[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	switch cmd {
	case "open-session":
		owner := fs.String("owner", "", "owner address")
		deposit := fs.String("deposit", "", "deposit amount")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		amount, err := parseDecimal("deposit", *deposit)
		if err != nil {
			return err
		}
		resp, err := c.createSession(ctx, *owner, amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s expires %s\n", resp.SessionID, resp.ExpiresAt.Format(time.RFC3339))

	case "close-session":
		id := fs.String("session", "", "session id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		final, err := c.closeSession(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "session %s closed, final balance %s\n", *id, final)

	case "balance":
		id := fs.String("session", "", "session id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		b, err := c.balance(ctx, *id)
		if err != nil {
			return err
		}
		printBalance(out, b)

	case "idle":
		id := fs.String("session", "", "session id")
		amount := fs.String("amount", "", "amount to move from active to idle")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		v, err := parseDecimal("amount", *amount)
		if err != nil {
			return err
		}
		b, err := c.moveToIdle(ctx, *id, v)
		if err != nil {
			return err
		}
		printBalance(out, b)

	case "refund":
		id := fs.String("session", "", "session id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		amount, err := c.refund(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "refund of %s reserved for session %s\n", amount, *id)

	case "create-market":
		question := fs.String("question", "", "market question")
		duration := fs.Duration("duration", 24*time.Hour, "time until the market ends")
		liquidity := fs.String("liquidity", "0", "LMSR liquidity (0 uses the server default)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		b, err := decimal.NewFromString(*liquidity)
		if err != nil {
			return fmt.Errorf("liquidity: %w", err)
		}
		id, err := c.createMarket(ctx, *question, time.Now().Add(*duration).UTC(), b)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "market %s created\n", id)

	case "markets":
		status := fs.String("status", "", "filter by status (open|resolved)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		markets, err := c.markets(ctx, *status)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(out)
		table.Header("ID", "Question", "Status", "YES", "NO", "Volume", "Ends")
		for _, m := range markets {
			state := m.Status
			if m.WinningOutcome != "" {
				state += " (" + string(m.WinningOutcome) + ")"
			}
			table.Append(
				m.ID,
				m.Question,
				state,
				m.PriceYes.StringFixed(4),
				m.PriceNo.StringFixed(4),
				m.TotalVolume.StringFixed(2),
				m.EndTime.Format(time.RFC3339),
			)
		}
		table.Render()

	case "buy", "sell":
		session := fs.String("session", "", "session id")
		market := fs.String("market", "", "market id")
		outcome := fs.String("outcome", "YES", "YES or NO")
		shares := fs.String("shares", "", "number of shares")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		n, err := parseDecimal("shares", *shares)
		if err != nil {
			return err
		}
		res, err := c.trade(ctx, cmd, httpapi.TradeRequest{
			SessionID: *session,
			MarketID:  *market,
			Outcome:   model.Outcome(strings.ToUpper(*outcome)),
			Shares:    n,
		})
		if err != nil {
			return err
		}
		amount := res.Cost
		if res.Proceeds != nil {
			amount = res.Proceeds
		}
		fmt.Fprintf(out, "%s %s %s @ %s for %s, YES now %s\n",
			res.Side, res.Shares, res.Outcome, res.AveragePrice.StringFixed(4), amount, res.PriceYes.StringFixed(4))

	case "resolve":
		market := fs.String("market", "", "market id")
		outcome := fs.String("outcome", "", "winning outcome, YES or NO")
		force := fs.Bool("force", false, "resolve before the end time")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		s, err := c.resolve(ctx, *market, model.Outcome(strings.ToUpper(*outcome)), *force)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "market %s resolved %s: pool %s over %s winning shares\n",
			s.MarketID, s.WinningOutcome, s.TotalPool, s.WinningShares)
		table := tablewriter.NewWriter(out)
		table.Header("User", "Session", "Shares", "Payout", "Credited")
		for _, p := range s.Payouts {
			table.Append(p.UserAddress, p.SessionID, p.Shares.String(), p.Amount.String(), fmt.Sprintf("%t", p.Credited))
		}
		table.Render()

	case "portfolio":
		user := fs.String("user", "", "owner address")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		p, err := c.portfolio(ctx, *user)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(out)
		table.Header("Market", "Outcome", "Shares", "Avg", "Price", "Value", "PnL", "Status")
		for _, pos := range p.Positions {
			table.Append(
				pos.MarketID,
				string(pos.Outcome),
				pos.Shares.String(),
				pos.AveragePrice.StringFixed(4),
				pos.CurrentPrice.StringFixed(4),
				pos.CurrentValue.StringFixed(4),
				pos.UnrealizedPnL.StringFixed(4),
				pos.MarketStatus,
			)
		}
		table.Render()
		fmt.Fprintf(out, "value %s  cost %s  pnl %s\n",
			p.TotalValue.StringFixed(4), p.TotalCost.StringFixed(4), p.TotalPnL.StringFixed(4))

	default:
		return errUsage
	}
	return nil
}

func printBalance(out io.Writer, b *httpapi.BalanceResponse) {
	table := tablewriter.NewWriter(out)
	table.Header("Active", "Idle", "Yield", "Reserved", "Credited", "Total")
	table.Append(b.Active.String(), b.Idle.String(), b.YieldAccrued.String(), b.Reserved.String(), b.Credited.String(), b.Total.String())
	table.Render()
	if b.RefundAvailable {
		fmt.Fprintf(out, "refund available: %s\n", b.RefundAmount)
	}
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("-%s is required", name)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
