package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-treasury/internal/buyback"
	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/incentive"
	"github.com/ksred/klear-treasury/internal/metrics"
	"github.com/ksred/klear-treasury/internal/types"
)

const (
	// SlippageMarginPercent pads the quoted cost of a buy into its spend
	// ceiling.
	SlippageMarginPercent = 3

	// PriceScale is the fixed-point scale of BuyPrice and TargetSellPrice.
	PriceScale = "1000000000000000000"
)

// Settings are fixed when the service is built.
type Settings struct {
	// Address is the account holding treasury funds on the venue.
	Address common.Address
	// Admin seeds the administrator on first start.
	Admin common.Address
	// Initial seeds the trading configuration on first start.
	Initial Config
}

// Service owns the order ledger and drives the buy -> hold -> sell cycle.
type Service struct {
	db          *Database
	backend     chain.Backend
	burner      *buyback.Burner
	distributor *incentive.Distributor
	metrics     *metrics.TreasuryMetrics
	address     common.Address
	clock       func() time.Time
	guard       callGuard
}

// Option customises a Service.
type Option func(*Service)

func WithMetrics(m *metrics.TreasuryMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates the treasury service and seeds its configuration and
// ledger on first start. Persisted configuration wins over settings.Initial.
func NewService(gormDB *gorm.DB, backend chain.Backend, settings Settings, opts ...Option) (*Service, error) {
	if settings.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: treasury address not set", types.ErrInvalidConfiguration)
	}
	s := &Service{
		db:          NewDatabase(gormDB),
		backend:     backend,
		burner:      buyback.NewBurner(chain.Native),
		distributor: incentive.NewDistributor(chain.Native),
		address:     settings.Address,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := s.db.Transaction(func(tx *Database) error {
		record, err := tx.GetConfigRecord()
		if err != nil {
			return err
		}
		if record == nil {
			if settings.Admin == (common.Address{}) {
				return fmt.Errorf("%w: administrator not set", types.ErrInvalidConfiguration)
			}
			if err := settings.Initial.Validate(); err != nil {
				return err
			}
			record = &ConfigRecord{Admin: settings.Admin}
			record.apply(settings.Initial)
			if err := tx.SaveConfigRecord(record); err != nil {
				return err
			}
		}
		_, err = tx.GetLedgerState()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("seed treasury: %w", err)
	}
	return s, nil
}

// Address is the treasury's venue account.
func (s *Service) Address() common.Address {
	return s.address
}

// BuyResult is the outcome of OpenAndBuy.
type BuyResult struct {
	Order    *types.Order        `json:"order"`
	Reward   types.Amount        `json:"caller_reward"`
	Records  []types.AuditRecord `json:"audit_records,omitempty"`
	Replayed bool                `json:"replayed,omitempty"`
}

// SellResult is the outcome of CloseAndSell.
type SellResult struct {
	Order    *types.Order        `json:"order"`
	Reward   types.Amount        `json:"caller_reward"`
	Buyback  *buyback.Result     `json:"buyback,omitempty"`
	Records  []types.AuditRecord `json:"audit_records,omitempty"`
	Replayed bool                `json:"replayed,omitempty"`
}

// OpenAndBuy opens the next order by buying exactly the configured
// acquisition size of the target asset, then pays caller its reward. Any
// failure leaves the ledger and the venue exactly as they were.
func (s *Service) OpenAndBuy(ctx context.Context, caller common.Address) (*BuyResult, error) {
	return s.openAndBuy(ctx, caller, "")
}

// OpenAndBuyIdempotent is OpenAndBuy keyed by a client-supplied key. A
// repeated key returns the order the first call opened.
func (s *Service) OpenAndBuyIdempotent(ctx context.Context, caller common.Address, idempotencyKey string) (*BuyResult, error) {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil {
		if record.Operation != operationBuy {
			return nil, fmt.Errorf("%w: idempotency key already used for %s", types.ErrInvalidOrderState, record.Operation)
		}
		order, err := s.GetOrder(record.OrderID)
		if err != nil {
			return nil, err
		}
		return &BuyResult{Order: order, Reward: order.BuyReward, Replayed: true}, nil
	}
	return s.openAndBuy(ctx, caller, idempotencyKey)
}

func (s *Service) openAndBuy(ctx context.Context, caller common.Address, idempotencyKey string) (*BuyResult, error) {
	start := s.clock()
	logger := log.With().
		Str("service", "treasury").
		Str("operation", operationBuy).
		Str("caller", caller.Hex()).
		Logger()

	release, err := s.guard.enter()
	if err != nil {
		s.observe(operationBuy, start, err)
		return nil, err
	}
	defer release()

	logger.Info().Msg("opening order")

	var result *BuyResult
	err = s.backend.Atomic(ctx, func(env chain.Env) error {
		return s.db.Transaction(func(tx *Database) error {
			r, err := s.buy(ctx, env, tx, caller, logger)
			if err != nil {
				return err
			}
			if idempotencyKey != "" {
				if err := tx.SaveIdempotencyRecord(idempotencyKey, operationBuy, r.Order.ID); err != nil {
					return err
				}
			}
			result = r
			return nil
		})
	})
	s.observe(operationBuy, start, err)
	if err != nil {
		logger.Error().Err(err).Msg("buy failed")
		return nil, err
	}

	if !result.Reward.IsZero() {
		s.metrics.RecordReward()
	}
	logger.Info().
		Uint64("order_id", result.Order.ID).
		Str("spend", result.Order.Spend.String()).
		Str("tokens_received", result.Order.TokenAmount.String()).
		Str("buy_price", result.Order.BuyPrice.String()).
		Msg("order opened")
	return result, nil
}

func (s *Service) buy(ctx context.Context, env chain.Env, tx *Database, caller common.Address, logger zerolog.Logger) (*BuyResult, error) {
	record, err := tx.GetConfigRecord()
	if err != nil {
		return nil, err
	}
	cfg := record.config()
	if cfg.TargetAsset == chain.Native {
		return nil, fmt.Errorf("%w: target asset not set", types.ErrInvalidConfiguration)
	}
	if cfg.AcquisitionSize.IsZero() {
		return nil, fmt.Errorf("%w: acquisition size not set", types.ErrInvalidConfiguration)
	}

	state, err := tx.GetLedgerState()
	if err != nil {
		return nil, err
	}
	if state.ActiveID != 0 {
		return nil, fmt.Errorf("%w: order %d still holds the lane", types.ErrInvalidOrderState, state.ActiveID)
	}
	head, err := tx.GetOrder(state.HeadID)
	if err != nil {
		return nil, err
	}
	if head != nil && head.Status != types.OrderStatusBuying {
		return nil, fmt.Errorf("%w: order %d is %s", types.ErrInvalidOrderState, head.ID, head.Status)
	}

	quote, err := env.QuoteExactOutputSingle(ctx, chain.QuoteParams{
		TokenIn:   chain.Native,
		TokenOut:  cfg.TargetAsset,
		Fee:       cfg.FeeTier,
		AmountOut: cfg.AcquisitionSize.Int(),
	})
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	ceiling, overflow := types.AmountFromInt(quote).MulDiv(types.NewAmount(100+SlippageMarginPercent), types.NewAmount(100))
	if overflow {
		return nil, fmt.Errorf("%w: spend ceiling overflows", types.ErrInvalidConfiguration)
	}
	required, overflow := ceiling.Add(cfg.CallerReward)
	if overflow {
		return nil, fmt.Errorf("%w: spend ceiling overflows", types.ErrInvalidConfiguration)
	}
	held := types.AmountFromInt(env.BalanceOf(chain.Native, s.address))
	if held.Lt(required) {
		return nil, fmt.Errorf("%w: hold %s, need %s", types.ErrInsufficientFunds, held, required)
	}

	logger.Debug().
		Str("quote", types.AmountFromInt(quote).String()).
		Str("ceiling", ceiling.String()).
		Msg("sized buy")

	tokensBefore := types.AmountFromInt(env.BalanceOf(cfg.TargetAsset, s.address))
	if _, err := env.ExactOutputSingle(ctx, s.address, chain.ExactOutputParams{
		TokenIn:         chain.Native,
		TokenOut:        cfg.TargetAsset,
		Fee:             cfg.FeeTier,
		Recipient:       s.address,
		AmountOut:       cfg.AcquisitionSize.Int(),
		AmountInMaximum: ceiling.Int(),
	}); err != nil {
		return nil, fmt.Errorf("buy swap: %w", err)
	}
	received := types.AmountFromInt(env.BalanceOf(cfg.TargetAsset, s.address)).Sub(tokensBefore)
	if !received.Eq(cfg.AcquisitionSize) {
		return nil, fmt.Errorf("%w: received %s, wanted %s", types.ErrFillMismatch, received, cfg.AcquisitionSize)
	}
	spend := held.Sub(types.AmountFromInt(env.BalanceOf(chain.Native, s.address)))

	buyPrice, targetSellPrice, err := Prices(spend, received, cfg.MinProfitPercent)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	order := &types.Order{
		ID:               state.HeadID,
		Asset:            cfg.TargetAsset,
		Spend:            spend,
		TokenAmount:      received,
		BuyPrice:         buyPrice,
		TargetSellPrice:  targetSellPrice,
		MinProfitPercent: cfg.MinProfitPercent,
		FeeTier:          cfg.FeeTier,
		Status:           types.OrderStatusSelling,
		Buyer:            caller,
		BuyReward:        cfg.CallerReward,
		BuyTimestamp:     now,
	}
	if err := tx.CreateOrder(order); err != nil {
		return nil, err
	}
	state.ActiveID = order.ID
	state.HeadID = order.ID + 1
	if err := tx.SaveLedgerState(state); err != nil {
		return nil, err
	}

	if err := s.distributor.Pay(ctx, env, s.address, caller, cfg.CallerReward); err != nil {
		return nil, err
	}

	opened := types.NewAuditRecord(types.AuditOrderOpened, caller, now)
	opened.OrderID = order.ID
	opened.Asset = order.Asset
	opened.Spend = spend.Ptr()
	opened.TokensReceived = received.Ptr()
	opened.BuyPrice = buyPrice.Ptr()
	opened.Amount = cfg.CallerReward.Ptr()
	if err := tx.AppendAudit(opened); err != nil {
		return nil, err
	}

	return &BuyResult{Order: order, Reward: cfg.CallerReward, Records: []types.AuditRecord{opened}}, nil
}

// CloseAndSell sells the whole position of a SELLING order, provided the
// proceeds clear its profit floor, then splits the proceeds between the
// caller's reward and a buyback-and-burn.
func (s *Service) CloseAndSell(ctx context.Context, caller common.Address, orderID uint64) (*SellResult, error) {
	return s.closeAndSell(ctx, caller, orderID, "")
}

// CloseAndSellIdempotent is CloseAndSell keyed by a client-supplied key.
func (s *Service) CloseAndSellIdempotent(ctx context.Context, caller common.Address, orderID uint64, idempotencyKey string) (*SellResult, error) {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil {
		if record.Operation != operationSell || record.OrderID != orderID {
			return nil, fmt.Errorf("%w: idempotency key already used for %s of order %d", types.ErrInvalidOrderState, record.Operation, record.OrderID)
		}
		order, err := s.GetOrder(record.OrderID)
		if err != nil {
			return nil, err
		}
		return &SellResult{Order: order, Reward: order.CallerReward, Replayed: true}, nil
	}
	return s.closeAndSell(ctx, caller, orderID, idempotencyKey)
}

func (s *Service) closeAndSell(ctx context.Context, caller common.Address, orderID uint64, idempotencyKey string) (*SellResult, error) {
	start := s.clock()
	logger := log.With().
		Str("service", "treasury").
		Str("operation", operationSell).
		Str("caller", caller.Hex()).
		Uint64("order_id", orderID).
		Logger()

	release, err := s.guard.enter()
	if err != nil {
		s.observe(operationSell, start, err)
		return nil, err
	}
	defer release()

	logger.Info().Msg("closing order")

	var result *SellResult
	err = s.backend.Atomic(ctx, func(env chain.Env) error {
		return s.db.Transaction(func(tx *Database) error {
			r, err := s.sell(ctx, env, tx, caller, orderID, logger)
			if err != nil {
				return err
			}
			if idempotencyKey != "" {
				if err := tx.SaveIdempotencyRecord(idempotencyKey, operationSell, orderID); err != nil {
					return err
				}
			}
			result = r
			return nil
		})
	})
	s.observe(operationSell, start, err)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientProfit) {
			logger.Info().Err(err).Msg("sell below profit floor")
		} else {
			logger.Error().Err(err).Msg("sell failed")
		}
		return nil, err
	}

	if !result.Reward.IsZero() {
		s.metrics.RecordReward()
	}
	if result.Buyback != nil && !result.Buyback.Burned.IsZero() {
		s.metrics.RecordBurn()
	}
	logger.Info().
		Str("proceeds", result.Order.Proceeds.String()).
		Str("profit", result.Order.Profit.String()).
		Str("buyback", result.Order.BuybackAmount.String()).
		Str("burned", result.Order.BurnedAmount.String()).
		Msg("order closed")
	return result, nil
}

func (s *Service) sell(ctx context.Context, env chain.Env, tx *Database, caller common.Address, orderID uint64, logger zerolog.Logger) (*SellResult, error) {
	record, err := tx.GetConfigRecord()
	if err != nil {
		return nil, err
	}
	cfg := record.config()
	if cfg.BuybackAsset == chain.Native {
		return nil, fmt.Errorf("%w: buyback asset not set", types.ErrInvalidConfiguration)
	}

	order, err := tx.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %d does not exist", types.ErrInvalidOrderState, orderID)
	}
	if order.Status != types.OrderStatusSelling {
		return nil, fmt.Errorf("%w: order %d is %s", types.ErrInvalidOrderState, order.ID, order.Status)
	}

	floor, err := ProfitFloor(order.Spend, order.MinProfitPercent)
	if err != nil {
		return nil, err
	}

	settlementBefore := types.AmountFromInt(env.BalanceOf(chain.Native, s.address))
	if _, err := env.ExactInputSingle(ctx, s.address, chain.ExactInputParams{
		TokenIn:          order.Asset,
		TokenOut:         chain.Native,
		Fee:              order.FeeTier,
		Recipient:        s.address,
		AmountIn:         order.TokenAmount.Int(),
		AmountOutMinimum: floor.Int(),
	}); err != nil {
		if errors.Is(err, chain.ErrInsufficientOutput) {
			return nil, fmt.Errorf("%w: %v", types.ErrInsufficientProfit, err)
		}
		return nil, fmt.Errorf("sell swap: %w", err)
	}
	proceeds := types.AmountFromInt(env.BalanceOf(chain.Native, s.address)).Sub(settlementBefore)
	if proceeds.Lt(floor) {
		return nil, fmt.Errorf("%w: proceeds %s below floor %s", types.ErrInsufficientProfit, proceeds, floor)
	}

	reward, budget := incentive.Split(proceeds, cfg.CallerReward)
	now := s.clock()
	order.Status = types.OrderStatusSuccess
	order.Seller = caller
	order.SellTimestamp = &now
	order.Proceeds = proceeds
	order.Profit = proceeds.Sub(order.Spend)
	order.CallerReward = reward
	order.BuybackAmount = budget

	logger.Debug().
		Str("floor", floor.String()).
		Str("proceeds", proceeds.String()).
		Str("reward", reward.String()).
		Str("budget", budget.String()).
		Msg("sale cleared profit floor")

	// The order is terminal and the lane released before any transfer leaves
	// the treasury.
	state, err := tx.GetLedgerState()
	if err != nil {
		return nil, err
	}
	if state.ActiveID == order.ID {
		state.ActiveID = 0
	}
	if err := tx.SaveLedgerState(state); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrder(order); err != nil {
		return nil, err
	}

	closed := types.NewAuditRecord(types.AuditOrderClosed, caller, now)
	closed.OrderID = order.ID
	closed.Asset = order.Asset
	closed.Proceeds = proceeds.Ptr()
	closed.Profit = order.Profit.Ptr()
	closed.Amount = reward.Ptr()
	records := []types.AuditRecord{closed}

	var burn *buyback.Result
	if !budget.IsZero() {
		burn, err = s.burner.Execute(ctx, env, buyback.Request{
			Treasury: s.address,
			Asset:    cfg.BuybackAsset,
			Pool:     cfg.BuybackPool,
			Budget:   budget,
		})
		if err != nil {
			return nil, err
		}
		order.BurnedAmount = burn.Burned
		if err := tx.UpdateOrder(order); err != nil {
			return nil, err
		}
		executed := types.NewAuditRecord(types.AuditBuybackExecuted, caller, now)
		executed.OrderID = order.ID
		executed.Asset = cfg.BuybackAsset
		executed.BuybackAmount = budget.Ptr()
		executed.BurnedAmount = burn.Burned.Ptr()
		records = append(records, executed)
	}

	if err := s.distributor.Pay(ctx, env, s.address, caller, reward); err != nil {
		return nil, err
	}

	if err := tx.AppendAudit(records...); err != nil {
		return nil, err
	}
	return &SellResult{Order: order, Reward: reward, Buyback: burn, Records: records}, nil
}

// Prices derives the reporting prices of an order: spend per whole token
// scaled by PriceScale, and that price inflated by the profit margin.
func Prices(spend, tokens types.Amount, minProfitPercent uint8) (buyPrice, targetSellPrice types.Amount, err error) {
	if tokens.IsZero() {
		return buyPrice, targetSellPrice, fmt.Errorf("%w: zero token amount", types.ErrFillMismatch)
	}
	buyPrice, overflow := spend.MulDiv(types.MustParseAmount(PriceScale), tokens)
	if overflow {
		return buyPrice, targetSellPrice, fmt.Errorf("%w: buy price overflows", types.ErrInvalidConfiguration)
	}
	targetSellPrice, overflow = buyPrice.MulDiv(types.NewAmount(100+uint64(minProfitPercent)), types.NewAmount(100))
	if overflow {
		return buyPrice, targetSellPrice, fmt.Errorf("%w: target price overflows", types.ErrInvalidConfiguration)
	}
	return buyPrice, targetSellPrice, nil
}

// ProfitFloor is the least a sale must return: spend * (100 + pct) / 100,
// rounded up so the floor is never understated.
func ProfitFloor(spend types.Amount, minProfitPercent uint8) (types.Amount, error) {
	floor, overflow := spend.MulDivUp(types.NewAmount(100+uint64(minProfitPercent)), types.NewAmount(100))
	if overflow {
		return floor, fmt.Errorf("%w: profit floor overflows", types.ErrInvalidConfiguration)
	}
	return floor, nil
}

const (
	operationBuy      = "buy"
	operationSell     = "sell"
	operationWithdraw = "withdraw"
)

func (s *Service) observe(operation string, start time.Time, err error) {
	s.metrics.Observe(operation, outcome(err), s.clock().Sub(start))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, types.ErrInsufficientProfit):
		return "insufficient_profit"
	case errors.Is(err, types.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, types.ErrFillMismatch):
		return "fill_mismatch"
	case errors.Is(err, types.ErrInvalidOrderState):
		return "invalid_order_state"
	case errors.Is(err, types.ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, types.ErrRewardTransferFailed):
		return "reward_transfer_failed"
	case errors.Is(err, types.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, types.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, types.ErrOperationInProgress):
		return "in_progress"
	default:
		return "error"
	}
}
