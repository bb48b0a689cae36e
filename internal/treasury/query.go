package treasury

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// GetOrder returns the order with id or ErrOrderNotFound.
func (s *Service) GetOrder(id uint64) (*types.Order, error) {
	order, err := s.db.GetOrder(id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %d", types.ErrOrderNotFound, id)
	}
	return order, nil
}

// ListOrders returns up to limit orders, newest first.
func (s *Service) ListOrders(limit int) ([]types.Order, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	return s.db.ListOrders(limit)
}

// Lane describes the trading lane.
type Lane struct {
	NextOrderID   uint64 `json:"next_order_id"`
	ActiveOrderID uint64 `json:"active_order_id"`
}

// Lane returns the pre-allocated next id and the order held for sale.
func (s *Service) Lane() (Lane, error) {
	state, err := s.db.GetLedgerState()
	if err != nil {
		return Lane{}, err
	}
	return Lane{NextOrderID: state.HeadID, ActiveOrderID: state.ActiveID}, nil
}

// Balance is the treasury's holding of one asset.
type Balance struct {
	Asset   common.Address `json:"asset"`
	Role    string         `json:"role"`
	Balance types.Amount   `json:"balance"`
}

// Balances reports the treasury's holdings of the settlement, target and
// buyback assets.
func (s *Service) Balances(ctx context.Context) ([]Balance, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	assets := []Balance{{Asset: chain.Native, Role: "settlement"}}
	if cfg.TargetAsset != chain.Native {
		assets = append(assets, Balance{Asset: cfg.TargetAsset, Role: "target"})
	}
	if cfg.BuybackAsset != chain.Native && cfg.BuybackAsset != cfg.TargetAsset {
		assets = append(assets, Balance{Asset: cfg.BuybackAsset, Role: "buyback"})
	}

	err = s.backend.Atomic(ctx, func(env chain.Env) error {
		for i := range assets {
			assets[i].Balance = types.AmountFromInt(env.BalanceOf(assets[i].Asset, s.address))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// Stats aggregates the order history.
type Stats struct {
	TotalOrders   int64        `json:"total_orders"`
	OpenOrders    int64        `json:"open_orders"`
	ClosedOrders  int64        `json:"closed_orders"`
	TotalSpend    types.Amount `json:"total_spend"`
	TotalProceeds types.Amount `json:"total_proceeds"`
	TotalProfit   types.Amount `json:"total_profit"`
	TotalRewards  types.Amount `json:"total_rewards"`
	TotalBuyback  types.Amount `json:"total_buyback"`
	TotalBurned   types.Amount `json:"total_burned"`
	NextOrderID   uint64       `json:"next_order_id"`
	ActiveOrderID uint64       `json:"active_order_id"`
}

// Stats sums spend over every bought order and the sell-side totals over
// closed ones.
func (s *Service) Stats() (*Stats, error) {
	state, err := s.db.GetLedgerState()
	if err != nil {
		return nil, err
	}
	open, err := s.db.CountActiveOrders()
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		OpenOrders:    open,
		NextOrderID:   state.HeadID,
		ActiveOrderID: state.ActiveID,
	}

	for _, status := range []types.OrderStatus{types.OrderStatusSelling, types.OrderStatusSuccess} {
		orders, err := s.db.GetOrdersByStatus(status)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			stats.TotalOrders++
			if err := accumulate(&stats.TotalSpend, o.Spend); err != nil {
				return nil, err
			}
			if status != types.OrderStatusSuccess {
				continue
			}
			stats.ClosedOrders++
			for _, pair := range []struct {
				sum *types.Amount
				add types.Amount
			}{
				{&stats.TotalProceeds, o.Proceeds},
				{&stats.TotalProfit, o.Profit},
				{&stats.TotalRewards, o.CallerReward},
				{&stats.TotalBuyback, o.BuybackAmount},
				{&stats.TotalBurned, o.BurnedAmount},
			} {
				if err := accumulate(pair.sum, pair.add); err != nil {
					return nil, err
				}
			}
		}
	}
	return stats, nil
}

func accumulate(sum *types.Amount, add types.Amount) error {
	next, overflow := sum.Add(add)
	if overflow {
		return fmt.Errorf("%w: totals overflow", types.ErrInvalidConfiguration)
	}
	*sum = next
	return nil
}
