// Package audit stores the append-only trail of treasury and fee hook
// activity.
package audit

import (
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-treasury/internal/types"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind    types.AuditKind
	OrderID uint64
	Limit   int
}

// Log persists audit records. Records are never updated or deleted.
type Log struct {
	db *gorm.DB
}

func NewLog(db *gorm.DB) *Log {
	return &Log{db: db}
}

// Append inserts records in one transaction.
func (l *Log) Append(records ...types.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	return l.db.Create(&records).Error
}

// OnCommit is a chain.CommitFunc persisting records of committed units of
// work. Failures are logged; the venue effects already landed.
func (l *Log) OnCommit(records []types.AuditRecord) {
	if err := l.Append(records...); err != nil {
		log.Error().
			Err(err).
			Str("component", "audit").
			Int("records", len(records)).
			Msg("failed to persist audit records")
	}
}

// List returns records newest first.
func (l *Log) List(filter Filter) ([]types.AuditRecord, error) {
	query := l.db.Model(&types.AuditRecord{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.OrderID != 0 {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var records []types.AuditRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
