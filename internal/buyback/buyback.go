// Package buyback converts realized profit into the buyback asset and burns
// everything it acquires.
package buyback

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

// Request describes one buyback. Budget is in the settlement currency.
type Request struct {
	Treasury common.Address
	Asset    common.Address
	Pool     chain.PoolKey
	Budget   types.Amount
}

// Result reports what was acquired and destroyed.
type Result struct {
	Spent    types.Amount `json:"spent"`
	Acquired types.Amount `json:"acquired"`
	Burned   types.Amount `json:"burned"`
}

// Burner executes buybacks. It keeps no state between calls.
type Burner struct {
	settlement common.Address
}

// NewBurner spends budgets denominated in settlement.
func NewBurner(settlement common.Address) *Burner {
	return &Burner{settlement: settlement}
}

// ValidatePool checks that pool trades the settlement currency for asset.
func (b *Burner) ValidatePool(asset common.Address, pool chain.PoolKey) error {
	if asset == (common.Address{}) || asset == b.settlement {
		return fmt.Errorf("%w: buyback asset not set", types.ErrInvalidConfiguration)
	}
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidConfiguration, err)
	}
	if !pool.Contains(b.settlement) || !pool.Contains(asset) {
		return fmt.Errorf("%w: buyback pool does not pair %s with %s", types.ErrInvalidConfiguration, b.settlement.Hex(), asset.Hex())
	}
	return nil
}

// Execute swaps the whole budget for the buyback asset with no output floor
// and burns what arrives. Any swap or burn error fails the caller's unit of
// work.
func (b *Burner) Execute(ctx context.Context, env chain.Env, req Request) (*Result, error) {
	logger := log.With().
		Str("component", "buyback").
		Str("asset", req.Asset.Hex()).
		Str("budget", req.Budget.String()).
		Logger()

	if req.Budget.IsZero() {
		return nil, fmt.Errorf("%w: empty buyback budget", types.ErrInvalidConfiguration)
	}
	if err := b.ValidatePool(req.Asset, req.Pool); err != nil {
		return nil, err
	}

	before := types.AmountFromInt(env.BalanceOf(req.Asset, req.Treasury))
	params := chain.SwapParams{
		ZeroForOne:      req.Pool.Currency0 == b.settlement,
		AmountSpecified: chain.ExactIn(req.Budget.Int()),
	}
	if _, err := env.Swap(ctx, req.Treasury, req.Pool, params); err != nil {
		logger.Error().Err(err).Msg("buyback swap failed")
		return nil, fmt.Errorf("buyback swap: %w", err)
	}
	acquired := types.AmountFromInt(env.BalanceOf(req.Asset, req.Treasury)).Sub(before)

	result := &Result{Spent: req.Budget, Acquired: acquired}
	if acquired.IsZero() {
		logger.Warn().Msg("buyback acquired nothing, skipping burn")
		return result, nil
	}
	if err := env.Burn(ctx, req.Asset, req.Treasury, acquired.Int()); err != nil {
		logger.Error().Err(err).Msg("burn failed")
		return nil, fmt.Errorf("burn: %w", err)
	}
	result.Burned = acquired

	logger.Info().
		Str("acquired", acquired.String()).
		Msg("buyback burned")
	return result, nil
}
