// Package keeper triggers the treasury's buy and sell operations on a timer.
package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/treasury"
	"github.com/ksred/klear-treasury/internal/types"
)

// Treasury is the part of treasury.Service the keeper drives.
type Treasury interface {
	Lane() (treasury.Lane, error)
	OpenAndBuy(ctx context.Context, caller common.Address) (*treasury.BuyResult, error)
	CloseAndSell(ctx context.Context, caller common.Address, orderID uint64) (*treasury.SellResult, error)
}

// Action is what one tick did.
type Action string

const (
	ActionNone   Action = "none"
	ActionBought Action = "bought"
	ActionSold   Action = "sold"
	ActionWait   Action = "wait"
)

type Keeper struct {
	treasury Treasury
	caller   common.Address
	interval time.Duration
}

func New(t Treasury, caller common.Address, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{
		treasury: t,
		caller:   caller,
		interval: interval,
	}
}

// Start runs Tick every interval until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "keeper").Logger()
	logger.Info().Dur("interval", k.interval).Str("caller", k.caller.Hex()).Msg("starting keeper")

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down keeper")
			return
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil {
				logger.Error().Err(err).Msg("keeper tick failed")
			}
		}
	}
}

// Tick opens an order when the lane is free and otherwise tries to sell the
// active one. A sale below the profit floor is not an error: the order is
// simply not ready yet.
func (k *Keeper) Tick(ctx context.Context) (Action, error) {
	logger := log.With().Str("component", "keeper").Logger()

	lane, err := k.treasury.Lane()
	if err != nil {
		return ActionNone, err
	}

	if lane.ActiveOrderID == 0 {
		result, err := k.treasury.OpenAndBuy(ctx, k.caller)
		if err != nil {
			if errors.Is(err, types.ErrOperationInProgress) {
				return ActionWait, nil
			}
			return ActionNone, err
		}
		logger.Info().Uint64("order_id", result.Order.ID).Msg("keeper opened order")
		return ActionBought, nil
	}

	result, err := k.treasury.CloseAndSell(ctx, k.caller, lane.ActiveOrderID)
	switch {
	case err == nil:
		logger.Info().
			Uint64("order_id", result.Order.ID).
			Str("profit", result.Order.Profit.String()).
			Msg("keeper closed order")
		return ActionSold, nil
	case errors.Is(err, types.ErrInsufficientProfit), errors.Is(err, types.ErrOperationInProgress):
		logger.Debug().Uint64("order_id", lane.ActiveOrderID).Msg("order not ready to sell")
		return ActionWait, nil
	default:
		return ActionNone, err
	}
}
