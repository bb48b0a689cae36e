// Package incentive pays the flat reward owed to whoever triggers a buy or
// sell on the treasury.
package incentive

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

// MaxCallerReward caps the configurable reward at 0.01 settlement units
// (18 decimals).
var MaxCallerReward = types.MustParseAmount("10000000000000000")

// ValidateReward rejects rewards above MaxCallerReward.
func ValidateReward(reward types.Amount) error {
	if reward.Gt(MaxCallerReward) {
		return fmt.Errorf("%w: caller reward %s exceeds ceiling %s", types.ErrInvalidConfiguration, reward, MaxCallerReward)
	}
	return nil
}

// Split divides sale proceeds into the caller's reward, capped at proceeds,
// and the remainder left for buyback.
func Split(proceeds, reward types.Amount) (callerReward, buyback types.Amount) {
	callerReward = proceeds.Min(reward)
	return callerReward, proceeds.Sub(callerReward)
}

// Distributor transfers rewards in the settlement currency.
type Distributor struct {
	currency common.Address
}

// NewDistributor pays rewards in currency.
func NewDistributor(currency common.Address) *Distributor {
	return &Distributor{currency: currency}
}

// Pay sends amount from the treasury to the caller. A zero amount is a
// no-op; any failed transfer is reported as ErrRewardTransferFailed.
func (d *Distributor) Pay(ctx context.Context, bank chain.Bank, treasury, caller common.Address, amount types.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if amount.Gt(MaxCallerReward) {
		return fmt.Errorf("%w: reward %s exceeds ceiling", types.ErrInvalidConfiguration, amount)
	}
	if err := bank.Transfer(ctx, d.currency, treasury, caller, amount.Int()); err != nil {
		log.Error().
			Err(err).
			Str("component", "incentive").
			Str("caller", caller.Hex()).
			Str("amount", amount.String()).
			Msg("caller reward transfer failed")
		return fmt.Errorf("%w: %v", types.ErrRewardTransferFailed, err)
	}
	log.Debug().
		Str("component", "incentive").
		Str("caller", caller.Hex()).
		Str("amount", amount.String()).
		Msg("paid caller reward")
	return nil
}
