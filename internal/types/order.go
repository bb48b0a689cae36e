package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type OrderStatus string

const (
	OrderStatusBuying  OrderStatus = "BUYING"
	OrderStatusSelling OrderStatus = "SELLING"
	OrderStatusSuccess OrderStatus = "SUCCESS"
)

// Order is one buy-hold-sell cycle. ID 0 is never assigned.
type Order struct {
	ID               uint64         `gorm:"primaryKey;autoIncrement:false" json:"order_id"`
	Asset            common.Address `json:"asset"`
	Spend            Amount         `json:"spend"`
	TokenAmount      Amount         `json:"token_amount"`
	BuyPrice         Amount         `json:"buy_price"`
	TargetSellPrice  Amount         `json:"target_sell_price"`
	MinProfitPercent uint8          `json:"min_profit_percent"`
	FeeTier          uint32         `json:"fee_tier"`
	Status           OrderStatus    `gorm:"index" json:"status"`
	Buyer            common.Address `json:"buyer"`
	BuyReward        Amount         `json:"buy_reward"`
	BuyTimestamp     time.Time      `json:"buy_timestamp"`
	Seller           common.Address `json:"seller"`
	SellTimestamp    *time.Time     `json:"sell_timestamp,omitempty"`
	Proceeds         Amount         `json:"proceeds"`
	Profit           Amount         `json:"profit"`
	CallerReward     Amount         `json:"caller_reward"`
	BuybackAmount    Amount         `json:"buyback_amount"`
	BurnedAmount     Amount         `json:"burned_amount"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Active reports whether the order occupies the trading lane.
func (o *Order) Active() bool {
	return o.Status == OrderStatusBuying || o.Status == OrderStatusSelling
}
