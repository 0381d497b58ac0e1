// Package apperr classifies ledger failures so transports can map them to
// status codes without knowing every individual condition.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Kind is the category of a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInsufficientFunds
	KindStateConflict
	KindExternalTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindStateConflict:
		return "state_conflict"
	case KindExternalTimeout:
		return "external_timeout"
	default:
		return "internal"
	}
}

// Error is a sentinel condition bound to a Kind.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrInvalidDeposit     = newErr(KindValidation, "invalid_deposit", "deposit below minimum")
	ErrInvalidAddress     = newErr(KindValidation, "invalid_address", "owner is not a valid address")
	ErrInvalidAmount      = newErr(KindValidation, "invalid_amount", "amount must be positive")
	ErrInvalidShareAmount = newErr(KindValidation, "invalid_share_amount", "share amount must be positive")
	ErrInvalidOutcome     = newErr(KindValidation, "invalid_outcome", "outcome must be YES or NO")
	ErrInvalidMarket      = newErr(KindValidation, "invalid_market", "invalid market parameters")
	ErrPriceBoundExceeded = newErr(KindValidation, "price_bound_exceeded", "trade would push price beyond allowed bounds")

	ErrSessionNotFound    = newErr(KindNotFound, "session_not_found", "session not found")
	ErrMarketNotFound     = newErr(KindNotFound, "market_not_found", "market not found")
	ErrPositionNotFound   = newErr(KindNotFound, "position_not_found", "position not found")
	ErrSettlementNotFound = newErr(KindNotFound, "settlement_not_found", "settlement not found")

	ErrInsufficientBalance       = newErr(KindInsufficientFunds, "insufficient_balance", "insufficient active balance")
	ErrInsufficientActiveBalance = newErr(KindInsufficientFunds, "insufficient_active_balance", "amount exceeds active balance")
	ErrInsufficientShares        = newErr(KindInsufficientFunds, "insufficient_shares", "position holds fewer shares than requested")

	ErrSessionExpired         = newErr(KindStateConflict, "session_expired", "session expired")
	ErrSessionAlreadyClosed   = newErr(KindStateConflict, "session_already_closed", "session already closed")
	ErrMarketNotOpen          = newErr(KindStateConflict, "market_not_open", "market is not open for trading")
	ErrMarketResolved         = newErr(KindStateConflict, "market_resolved", "market already resolved")
	ErrAlreadyResolved        = newErr(KindStateConflict, "already_resolved", "market already resolved")
	ErrMarketStillOpen        = newErr(KindStateConflict, "market_still_open", "market has not reached its end time")
	ErrRefundAlreadyRequested = newErr(KindStateConflict, "refund_already_requested", "refund already requested for this session")
	ErrNoOpenPositions        = newErr(KindStateConflict, "no_open_positions", "session has no open positions to refund against")
	ErrRiskLimitExceeded      = newErr(KindStateConflict, "risk_limit_exceeded", "position limit exceeded")
	ErrConcurrentUpdate       = newErr(KindStateConflict, "concurrent_update", "holders changed during settlement, retry")

	ErrExternalTimeout = newErr(KindExternalTimeout, "external_timeout", "external collaborator did not respond in time")
)

// KindOf returns the Kind of the first *Error in err's chain. Context
// deadline errors count as external timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindExternalTimeout
	}
	return KindInternal
}

// Code returns the machine-readable code of err, or "internal".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrExternalTimeout.Code
	}
	return "internal"
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindStateConflict:
		return http.StatusConflict
	case KindExternalTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
