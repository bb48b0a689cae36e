package treasury

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/types"
)

// LedgerState tracks the single trading lane. HeadID is the pre-allocated id
// of the next order; ActiveID is the order currently held for sale, 0 when
// the lane is free.
type LedgerState struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	HeadID    uint64    `json:"head_id"`
	ActiveID  uint64    `json:"active_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfigRecord is the persisted form of Config plus the administrator.
type ConfigRecord struct {
	ID                 uint           `gorm:"primaryKey"`
	Admin              common.Address
	TargetAsset        common.Address
	AcquisitionSize    types.Amount
	MinProfitPercent   uint8
	FeeTier            uint32
	CallerReward       types.Amount
	BuybackAsset       common.Address
	BuybackCurrency0   common.Address
	BuybackCurrency1   common.Address
	BuybackFee         uint32
	BuybackTickSpacing int32
	BuybackHooks       common.Address
	UpdatedAt          time.Time
}

func (ConfigRecord) TableName() string {
	return "treasury_configs"
}

func (r *ConfigRecord) config() Config {
	return Config{
		TargetAsset:      r.TargetAsset,
		AcquisitionSize:  r.AcquisitionSize,
		MinProfitPercent: r.MinProfitPercent,
		FeeTier:          r.FeeTier,
		CallerReward:     r.CallerReward,
		BuybackAsset:     r.BuybackAsset,
		BuybackPool: chain.PoolKey{
			Currency0:   r.BuybackCurrency0,
			Currency1:   r.BuybackCurrency1,
			Fee:         r.BuybackFee,
			TickSpacing: r.BuybackTickSpacing,
			Hooks:       r.BuybackHooks,
		},
	}
}

func (r *ConfigRecord) apply(cfg Config) {
	r.TargetAsset = cfg.TargetAsset
	r.AcquisitionSize = cfg.AcquisitionSize
	r.MinProfitPercent = cfg.MinProfitPercent
	r.FeeTier = cfg.FeeTier
	r.CallerReward = cfg.CallerReward
	r.BuybackAsset = cfg.BuybackAsset
	r.BuybackCurrency0 = cfg.BuybackPool.Currency0
	r.BuybackCurrency1 = cfg.BuybackPool.Currency1
	r.BuybackFee = cfg.BuybackPool.Fee
	r.BuybackTickSpacing = cfg.BuybackPool.TickSpacing
	r.BuybackHooks = cfg.BuybackPool.Hooks
}

// IdempotencyRecord maps a client-supplied key to the order it produced.
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	Operation      string    `json:"operation"`
	OrderID        uint64    `json:"order_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
