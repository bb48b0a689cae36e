package treasury

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/incentive"
	"github.com/ksred/klear-treasury/internal/types"
)

// Fee tiers accepted for the target asset pool.
var allowedFeeTiers = map[uint32]struct{}{
	100:   {},
	500:   {},
	3000:  {},
	10000: {},
}

// Config is the administrator-controlled trading configuration. Changes
// apply from the next order on; an open order keeps the asset, fee tier and
// profit threshold it was bought with.
type Config struct {
	TargetAsset      common.Address `json:"target_asset"`
	AcquisitionSize  types.Amount   `json:"acquisition_size"`
	MinProfitPercent uint8          `json:"min_profit_percent"`
	FeeTier          uint32         `json:"fee_tier"`
	CallerReward     types.Amount   `json:"caller_reward"`
	BuybackAsset     common.Address `json:"buyback_asset"`
	BuybackPool      chain.PoolKey  `json:"buyback_pool"`
}

// Validate checks ranges. Zero addresses and a zero acquisition size are
// accepted here and rejected when buy or sell needs them.
func (c Config) Validate() error {
	if c.MinProfitPercent < 1 || c.MinProfitPercent > 100 {
		return fmt.Errorf("%w: min profit percent %d outside 1..100", types.ErrInvalidConfiguration, c.MinProfitPercent)
	}
	if _, ok := allowedFeeTiers[c.FeeTier]; !ok {
		return fmt.Errorf("%w: unsupported fee tier %d", types.ErrInvalidConfiguration, c.FeeTier)
	}
	if err := incentive.ValidateReward(c.CallerReward); err != nil {
		return err
	}
	if c.BuybackAsset != chain.Native {
		if c.BuybackAsset == c.TargetAsset {
			return fmt.Errorf("%w: buyback asset must differ from target asset", types.ErrInvalidConfiguration)
		}
		if err := c.BuybackPool.Validate(); err != nil {
			return fmt.Errorf("%w: buyback pool: %v", types.ErrInvalidConfiguration, err)
		}
		if !c.BuybackPool.Contains(chain.Native) || !c.BuybackPool.Contains(c.BuybackAsset) {
			return fmt.Errorf("%w: buyback pool must pair the settlement currency with the buyback asset", types.ErrInvalidConfiguration)
		}
	}
	return nil
}

// ConfigUpdate carries the fields an administrator wants to change.
type ConfigUpdate struct {
	TargetAsset      *common.Address `json:"target_asset,omitempty"`
	AcquisitionSize  *types.Amount   `json:"acquisition_size,omitempty"`
	MinProfitPercent *uint8          `json:"min_profit_percent,omitempty"`
	FeeTier          *uint32         `json:"fee_tier,omitempty"`
	CallerReward     *types.Amount   `json:"caller_reward,omitempty"`
	BuybackAsset     *common.Address `json:"buyback_asset,omitempty"`
	BuybackPool      *chain.PoolKey  `json:"buyback_pool,omitempty"`
}

// Apply returns cfg with the update merged in. Explicitly supplied
// addresses and sizes must be non-zero.
func (u ConfigUpdate) Apply(cfg Config) (Config, error) {
	if u.TargetAsset != nil {
		if *u.TargetAsset == chain.Native {
			return cfg, fmt.Errorf("%w: target asset cannot be zero", types.ErrInvalidConfiguration)
		}
		cfg.TargetAsset = *u.TargetAsset
	}
	if u.AcquisitionSize != nil {
		if u.AcquisitionSize.IsZero() {
			return cfg, fmt.Errorf("%w: acquisition size must be positive", types.ErrInvalidConfiguration)
		}
		cfg.AcquisitionSize = *u.AcquisitionSize
	}
	if u.MinProfitPercent != nil {
		cfg.MinProfitPercent = *u.MinProfitPercent
	}
	if u.FeeTier != nil {
		cfg.FeeTier = *u.FeeTier
	}
	if u.CallerReward != nil {
		cfg.CallerReward = *u.CallerReward
	}
	if u.BuybackAsset != nil {
		if *u.BuybackAsset == chain.Native {
			return cfg, fmt.Errorf("%w: buyback asset cannot be zero", types.ErrInvalidConfiguration)
		}
		cfg.BuybackAsset = *u.BuybackAsset
	}
	if u.BuybackPool != nil {
		cfg.BuybackPool = *u.BuybackPool
	}
	return cfg, cfg.Validate()
}
