package treasury

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

// Config returns the current trading configuration.
func (s *Service) Config() (Config, error) {
	record, err := s.db.GetConfigRecord()
	if err != nil {
		return Config{}, err
	}
	if record == nil {
		return Config{}, fmt.Errorf("%w: treasury not seeded", types.ErrInvalidConfiguration)
	}
	return record.config(), nil
}

// Admin returns the current administrator.
func (s *Service) Admin() (common.Address, error) {
	record, err := s.db.GetConfigRecord()
	if err != nil {
		return common.Address{}, err
	}
	if record == nil {
		return common.Address{}, fmt.Errorf("%w: treasury not seeded", types.ErrInvalidConfiguration)
	}
	return record.Admin, nil
}

// IsAdmin reports whether caller is the administrator.
func (s *Service) IsAdmin(caller common.Address) bool {
	admin, err := s.Admin()
	return err == nil && admin == caller
}

// UpdateConfig merges update into the configuration. The open order, if
// any, is unaffected.
func (s *Service) UpdateConfig(ctx context.Context, caller common.Address, update ConfigUpdate) (Config, error) {
	release, err := s.guard.enter()
	if err != nil {
		return Config{}, err
	}
	defer release()

	var updated Config
	err = s.db.Transaction(func(tx *Database) error {
		record, err := s.authorize(tx, caller)
		if err != nil {
			return err
		}
		updated, err = update.Apply(record.config())
		if err != nil {
			return err
		}
		record.apply(updated)
		if err := tx.SaveConfigRecord(record); err != nil {
			return err
		}

		audited := types.NewAuditRecord(types.AuditConfigUpdated, caller, s.clock())
		audited.Asset = updated.TargetAsset
		audited.Amount = updated.AcquisitionSize.Ptr()
		return tx.AppendAudit(audited)
	})
	if err != nil {
		log.Warn().Err(err).Str("service", "treasury").Str("caller", caller.Hex()).Msg("config update rejected")
		return Config{}, err
	}

	log.Info().
		Str("service", "treasury").
		Str("caller", caller.Hex()).
		Str("target_asset", updated.TargetAsset.Hex()).
		Str("acquisition_size", updated.AcquisitionSize.String()).
		Uint8("min_profit_percent", updated.MinProfitPercent).
		Uint32("fee_tier", updated.FeeTier).
		Str("caller_reward", updated.CallerReward.String()).
		Str("buyback_asset", updated.BuybackAsset.Hex()).
		Msg("config updated")
	return updated, nil
}

// TransferAdmin hands administration to next.
func (s *Service) TransferAdmin(ctx context.Context, caller, next common.Address) error {
	if next == (common.Address{}) {
		return fmt.Errorf("%w: administrator cannot be the zero address", types.ErrInvalidConfiguration)
	}
	release, err := s.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	err = s.db.Transaction(func(tx *Database) error {
		record, err := s.authorize(tx, caller)
		if err != nil {
			return err
		}
		record.Admin = next
		if err := tx.SaveConfigRecord(record); err != nil {
			return err
		}

		audited := types.NewAuditRecord(types.AuditAdminTransferred, caller, s.clock())
		audited.Counterparty = next
		return tx.AppendAudit(audited)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("service", "treasury").
		Str("previous", caller.Hex()).
		Str("admin", next.Hex()).
		Msg("administrator transferred")
	return nil
}

// Withdraw moves amount of asset out of the treasury, bounded by the held
// balance. Draining the asset of the open order is allowed; the audit record
// carries that order's id.
func (s *Service) Withdraw(ctx context.Context, caller, asset, to common.Address, amount types.Amount) error {
	start := s.clock()
	if to == (common.Address{}) {
		return fmt.Errorf("%w: withdrawal recipient not set", types.ErrInvalidConfiguration)
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: withdrawal amount must be positive", types.ErrInvalidConfiguration)
	}

	release, err := s.guard.enter()
	if err != nil {
		return err
	}
	defer release()

	var drainsActive uint64
	err = s.backend.Atomic(ctx, func(env chain.Env) error {
		return s.db.Transaction(func(tx *Database) error {
			if _, err := s.authorize(tx, caller); err != nil {
				return err
			}
			state, err := tx.GetLedgerState()
			if err != nil {
				return err
			}
			if state.ActiveID != 0 {
				active, err := tx.GetOrder(state.ActiveID)
				if err != nil {
					return err
				}
				if active != nil && active.Active() && active.Asset == asset {
					drainsActive = active.ID
				}
			}

			held := types.AmountFromInt(env.BalanceOf(asset, s.address))
			if held.Lt(amount) {
				return fmt.Errorf("%w: hold %s, asked %s", types.ErrInsufficientFunds, held, amount)
			}
			if err := env.Transfer(ctx, asset, s.address, to, amount.Int()); err != nil {
				return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
			}

			record := types.NewAuditRecord(types.AuditWithdrawal, caller, s.clock())
			record.Asset = asset
			record.Counterparty = to
			record.Amount = amount.Ptr()
			record.OrderID = drainsActive
			return tx.AppendAudit(record)
		})
	})
	s.observe(operationWithdraw, start, err)
	if err != nil {
		log.Error().Err(err).Str("service", "treasury").Str("caller", caller.Hex()).Msg("withdrawal failed")
		return err
	}

	event := log.Warn().
		Str("service", "treasury").
		Str("caller", caller.Hex()).
		Str("asset", asset.Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.String())
	if drainsActive != 0 {
		event = event.Uint64("active_order_id", drainsActive)
	}
	event.Msg("emergency withdrawal")
	return nil
}

func (s *Service) authorize(tx *Database, caller common.Address) (*ConfigRecord, error) {
	record, err := tx.GetConfigRecord()
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: treasury not seeded", types.ErrInvalidConfiguration)
	}
	if record.Admin != caller {
		return nil, fmt.Errorf("%w: %s is not the administrator", types.ErrUnauthorized, caller.Hex())
	}
	return record, nil
}
