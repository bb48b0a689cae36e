package treasury

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-treasury/internal/audit"
	"github.com/ksred/klear-treasury/internal/types"
)

const (
	ledgerStateID  = 1
	configRecordID = 1
	idempotencyTTL = 24 * time.Hour
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn against a transactional copy of the database.
func (d *Database) Transaction(fn func(tx *Database) error) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Database{db: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// GetOrder returns nil when the order does not exist.
func (d *Database) GetOrder(id uint64) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("id = ?", id).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListOrders returns orders newest first.
func (d *Database) ListOrders(limit int) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Order("id DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CountActiveOrders counts orders holding the lane.
func (d *Database) CountActiveOrders() (int64, error) {
	var count int64
	err := d.db.Model(&types.Order{}).
		Where("status IN ?", []types.OrderStatus{types.OrderStatusBuying, types.OrderStatusSelling}).
		Count(&count).Error
	return count, err
}

func (d *Database) GetOrdersByStatus(status types.OrderStatus) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status = ?", status).Order("id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// GetLedgerState loads the lane pointer, creating it on first use.
func (d *Database) GetLedgerState() (*LedgerState, error) {
	state := LedgerState{ID: ledgerStateID}
	if err := d.db.Where(LedgerState{ID: ledgerStateID}).Attrs(LedgerState{HeadID: 1}).FirstOrCreate(&state).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *Database) SaveLedgerState(state *LedgerState) error {
	state.UpdatedAt = time.Now()
	return d.db.Save(state).Error
}

// GetConfigRecord returns nil before the treasury has been seeded.
func (d *Database) GetConfigRecord() (*ConfigRecord, error) {
	var record ConfigRecord
	if err := d.db.Where("id = ?", configRecordID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) SaveConfigRecord(record *ConfigRecord) error {
	record.ID = configRecordID
	record.UpdatedAt = time.Now()
	return d.db.Save(record).Error
}

// GetIdempotencyRecord returns nil when the key is unknown or expired.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if record.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &record, nil
}

// SaveIdempotencyRecord stores key, replacing an expired entry.
func (d *Database) SaveIdempotencyRecord(key, operation string, orderID uint64) error {
	if err := d.db.Where("idempotency_key = ?", key).Delete(&IdempotencyRecord{}).Error; err != nil {
		return err
	}
	record := IdempotencyRecord{
		IdempotencyKey: key,
		Operation:      operation,
		OrderID:        orderID,
		ExpiresAt:      time.Now().Add(idempotencyTTL),
	}
	return d.db.Create(&record).Error
}

// AppendAudit writes records in the same transaction as the ledger change
// they describe.
func (d *Database) AppendAudit(records ...types.AuditRecord) error {
	return audit.NewLog(d.db).Append(records...)
}
