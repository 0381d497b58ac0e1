package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/model"
)

func TestPosition_WeightedAveragePrice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	first, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(10))
	require.NoError(t, err)
	second, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(30))
	require.NoError(t, err)
	assert.True(t, second.AveragePrice.GreaterThan(first.AveragePrice))

	pos, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, pos.Shares.Equal(d(40)))

	cost := first.AveragePrice.Mul(d(10)).Add(second.AveragePrice.Mul(d(30)))
	assert.True(t, pos.TotalCost.Equal(cost.Round(8)), "total cost %s", pos.TotalCost)
	assert.True(t, pos.AveragePrice.Equal(cost.Div(d(40)).Round(8)), "average %s", pos.AveragePrice)
}

func TestPosition_SessionsShareOneUserPosition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.session(t, alice, 100)
	second := f.session(t, alice, 100)
	m := f.market(t, 100)

	_, err := f.Markets.Buy(ctx, first.ID, m.ID, model.OutcomeNo, d(5))
	require.NoError(t, err)
	_, err = f.Markets.Buy(ctx, second.ID, m.ID, model.OutcomeNo, d(5))
	require.NoError(t, err)

	pos, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeNo)
	require.NoError(t, err)
	assert.True(t, pos.Shares.Equal(d(10)))
	assert.Equal(t, second.ID, pos.LastSessionID)

	// Shares bought in one session can be sold from another.
	_, err = f.Markets.Sell(ctx, first.ID, m.ID, model.OutcomeNo, d(8))
	require.NoError(t, err)
	f.requireConserved(t, first.ID)
	f.requireConserved(t, second.ID)
}

func TestPosition_CurrentValue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(10))
	require.NoError(t, err)

	price, err := f.Markets.Price(ctx, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	v, err := f.Positions.CurrentValue(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, v.Equal(d(10).Mul(price).Round(8)))

	_, err = f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, true)
	require.NoError(t, err)
	v, err = f.Positions.CurrentValue(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, v.Equal(d(10)))
}

func TestPosition_Lookups(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m := f.market(t, 100)

	_, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeYes)
	assert.ErrorIs(t, err, apperr.ErrPositionNotFound)

	_, err = f.Positions.Get(ctx, alice, m.ID, model.Outcome("BOTH"))
	assert.ErrorIs(t, err, apperr.ErrInvalidOutcome)

	p, err := f.Positions.ListByUser(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, p.Positions)
	assert.True(t, p.TotalValue.IsZero())
}
