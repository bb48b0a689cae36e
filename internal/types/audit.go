package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type AuditKind string

const (
	AuditOrderOpened         AuditKind = "order_opened"
	AuditOrderClosed         AuditKind = "order_closed"
	AuditBuybackExecuted     AuditKind = "buyback_executed"
	AuditFeeWithheld         AuditKind = "fee_withheld"
	AuditConfigUpdated       AuditKind = "config_updated"
	AuditAdminTransferred    AuditKind = "admin_transferred"
	AuditWithdrawal          AuditKind = "withdrawal"
	AuditFeeRecipientChanged AuditKind = "fee_recipient_changed"
)

// AuditRecord is one append-only entry of the audit trail. Only the amount
// fields relevant to Kind are set.
type AuditRecord struct {
	ID              string         `gorm:"primaryKey" json:"id"`
	Kind            AuditKind      `gorm:"index" json:"kind"`
	OrderID         uint64         `gorm:"index" json:"order_id,omitempty"`
	Actor           common.Address `json:"actor"`
	Asset           common.Address `json:"asset"`
	Counterparty    common.Address `json:"counterparty"`
	Spend           *Amount        `json:"spend,omitempty"`
	TokensReceived  *Amount        `json:"tokens_received,omitempty"`
	BuyPrice        *Amount        `json:"buy_price,omitempty"`
	Proceeds        *Amount        `json:"proceeds,omitempty"`
	Profit          *Amount        `json:"profit,omitempty"`
	BuybackAmount   *Amount        `json:"buyback_amount,omitempty"`
	BurnedAmount    *Amount        `json:"burned_amount,omitempty"`
	FeeAmount       *Amount        `json:"fee_amount,omitempty"`
	ForwardedAmount *Amount        `json:"forwarded_amount,omitempty"`
	Amount          *Amount        `json:"amount,omitempty"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
}

// NewAuditRecord stamps a record with a fresh id and the given time.
func NewAuditRecord(kind AuditKind, actor common.Address, at time.Time) AuditRecord {
	return AuditRecord{
		ID:        uuid.New().String(),
		Kind:      kind,
		Actor:     actor,
		CreatedAt: at,
	}
}

// Ptr returns a pointer to a copy of a, for the optional audit fields.
func (a Amount) Ptr() *Amount {
	return &a
}
