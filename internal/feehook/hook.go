// Package feehook taxes swaps on governed pools, normalizes the fee into the
// settlement currency and forwards it to a recipient.
package feehook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/metrics"
	"github.com/ksred/klear-treasury/internal/types"
)

// FeeDenominator scales FeePercent: 10000 is 10%.
const FeeDenominator = 100_000

// Config is fixed at deployment except for the recipient, which only the
// current recipient can change.
type Config struct {
	Address    common.Address `yaml:"address"`
	FeePercent uint32         `yaml:"fee_percent"`
	Recipient  common.Address `yaml:"recipient"`
}

// Recorder appends audit records produced outside a venue unit of work.
type Recorder interface {
	Append(records ...types.AuditRecord) error
}

// Hook implements chain.SwapHook.
type Hook struct {
	address    common.Address
	feePercent uint32
	settlement common.Address
	db         *Database
	recorder   Recorder
	metrics    *metrics.FeeHookMetrics
	clock      func() time.Time

	mu        sync.RWMutex
	recipient common.Address
}

// Option customises a Hook.
type Option func(*Hook)

// WithRecorder sets where recipient changes are audited.
func WithRecorder(r Recorder) Option {
	return func(h *Hook) { h.recorder = r }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *metrics.FeeHookMetrics) Option {
	return func(h *Hook) { h.metrics = m }
}

// WithClock overrides the time source for audit records.
func WithClock(clock func() time.Time) Option {
	return func(h *Hook) { h.clock = clock }
}

// New builds a hook. A recipient persisted by an earlier run takes
// precedence over cfg.Recipient.
func New(cfg Config, settlement common.Address, db *Database, opts ...Option) (*Hook, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: hook address not set", types.ErrInvalidConfiguration)
	}
	if cfg.FeePercent > FeeDenominator {
		return nil, fmt.Errorf("%w: fee percent %d exceeds %d", types.ErrInvalidConfiguration, cfg.FeePercent, FeeDenominator)
	}
	if cfg.Recipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: fee recipient not set", types.ErrInvalidConfiguration)
	}

	h := &Hook{
		address:    cfg.Address,
		feePercent: cfg.FeePercent,
		settlement: settlement,
		db:         db,
		clock:      time.Now,
		recipient:  cfg.Recipient,
	}
	for _, opt := range opts {
		opt(h)
	}

	if db != nil {
		stored, err := db.GetRecipient(cfg.Address)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			h.recipient = *stored
		} else if err := db.SaveRecipient(cfg.Address, cfg.Recipient); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Address implements chain.SwapHook.
func (h *Hook) Address() common.Address {
	return h.address
}

func (h *Hook) FeePercent() uint32 {
	return h.feePercent
}

func (h *Hook) Recipient() common.Address {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recipient
}

// ComputeFee returns floor(magnitude * feePercent / FeeDenominator).
func ComputeFee(magnitude types.Amount, feePercent uint32) types.Amount {
	fee, overflow := magnitude.MulDiv(types.NewAmount(uint64(feePercent)), types.NewAmount(FeeDenominator))
	if overflow {
		// feePercent <= FeeDenominator, so the quotient always fits.
		return magnitude
	}
	return fee
}

// AfterSwap withholds the fee from the swap's output leg. Swaps sent by the
// hook itself, i.e. its own conversions, are not taxed.
func (h *Hook) AfterSwap(ctx context.Context, env chain.Env, sender common.Address, key chain.PoolKey, params chain.SwapParams, delta chain.BalanceDelta) (chain.HookResult, error) {
	ack := chain.HookResult{Selector: chain.AfterSwapSelector}
	if sender == h.address {
		h.metrics.RecordSwap("self")
		return ack, nil
	}
	if key.Hooks != h.address {
		return chain.HookResult{}, fmt.Errorf("%w: pool %s is not governed by %s", types.ErrInvalidConfiguration, key.ID().Hex(), h.address.Hex())
	}

	logger := log.With().
		Str("component", "fee_hook").
		Str("pool_id", key.ID().Hex()).
		Str("sender", sender.Hex()).
		Logger()

	currency := params.OutputCurrency(key)
	magnitude, overflow := chain.Magnitude(delta.Of(key, currency))
	if overflow {
		return chain.HookResult{}, fmt.Errorf("%w: output delta overflows", chain.ErrInvalidHookResponse)
	}
	fee := ComputeFee(types.AmountFromInt(magnitude), h.feePercent)
	if fee.IsZero() {
		h.metrics.RecordSwap("zero_fee")
		return ack, nil
	}

	held := types.AmountFromInt(env.BalanceOf(currency, h.address))
	if err := env.Take(ctx, key, currency, h.address, fee.Int()); err != nil {
		h.metrics.RecordSwap("failed")
		return chain.HookResult{}, fmt.Errorf("take fee: %w", err)
	}
	received := types.AmountFromInt(env.BalanceOf(currency, h.address)).Sub(held)

	forward := received
	if currency != h.settlement {
		converted, err := h.convert(ctx, env, key, currency, received)
		if err != nil {
			h.metrics.RecordSwap("failed")
			logger.Error().Err(err).Str("fee_amount", fee.String()).Msg("fee conversion failed")
			return chain.HookResult{}, err
		}
		forward = converted
	}

	recipient := h.Recipient()
	if !forward.IsZero() {
		if err := env.Transfer(ctx, h.settlement, h.address, recipient, forward.Int()); err != nil {
			h.metrics.RecordSwap("failed")
			logger.Error().Err(err).Str("recipient", recipient.Hex()).Msg("fee forward failed")
			return chain.HookResult{}, fmt.Errorf("%w: forward fee: %v", types.ErrTransferFailed, err)
		}
	}

	record := types.NewAuditRecord(types.AuditFeeWithheld, sender, h.clock())
	record.Asset = currency
	record.Counterparty = recipient
	record.FeeAmount = fee.Ptr()
	record.ForwardedAmount = forward.Ptr()
	env.Emit(record)

	h.metrics.RecordSwap("withheld")
	logger.Info().
		Str("currency", currency.Hex()).
		Str("fee_amount", fee.String()).
		Str("forwarded", forward.String()).
		Msg("withheld swap fee")

	ack.FeeAdjustment = fee
	return ack, nil
}

// convert swaps amount of currency into the settlement currency on the same
// pool and returns what arrived.
func (h *Hook) convert(ctx context.Context, env chain.Env, key chain.PoolKey, currency common.Address, amount types.Amount) (types.Amount, error) {
	if amount.IsZero() {
		return types.Amount{}, nil
	}
	if !key.Contains(h.settlement) {
		return types.Amount{}, fmt.Errorf("%w: pool %s cannot convert fees to settlement currency", types.ErrInvalidConfiguration, key.ID().Hex())
	}
	before := types.AmountFromInt(env.BalanceOf(h.settlement, h.address))
	params := chain.SwapParams{
		ZeroForOne:      currency == key.Currency0,
		AmountSpecified: chain.ExactIn(amount.Int()),
	}
	if _, err := env.Swap(ctx, h.address, key, params); err != nil {
		return types.Amount{}, fmt.Errorf("convert fee: %w", err)
	}
	h.metrics.RecordConversion()
	return types.AmountFromInt(env.BalanceOf(h.settlement, h.address)).Sub(before), nil
}

// SetRecipient hands the fee stream to next. Only the current recipient may
// call it.
func (h *Hook) SetRecipient(ctx context.Context, caller, next common.Address) error {
	if next == (common.Address{}) {
		return fmt.Errorf("%w: recipient cannot be the zero address", types.ErrInvalidConfiguration)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if caller != h.recipient {
		return fmt.Errorf("%w: only the current fee recipient can hand over", types.ErrUnauthorized)
	}
	if h.db != nil {
		if err := h.db.SaveRecipient(h.address, next); err != nil {
			return err
		}
	}
	previous := h.recipient
	h.recipient = next

	if h.recorder != nil {
		record := types.NewAuditRecord(types.AuditFeeRecipientChanged, caller, h.clock())
		record.Counterparty = next
		if err := h.recorder.Append(record); err != nil {
			log.Error().Err(err).Str("component", "fee_hook").Msg("failed to audit recipient change")
		}
	}
	log.Info().
		Str("component", "fee_hook").
		Str("previous", previous.Hex()).
		Str("recipient", next.Hex()).
		Msg("fee recipient changed")
	return nil
}

var _ chain.SwapHook = (*Hook)(nil)
