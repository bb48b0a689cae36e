package feehook

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// State is the persisted, mutable part of a hook.
type State struct {
	HookAddress string    `gorm:"primaryKey" json:"hook_address"`
	Recipient   string    `json:"recipient"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across renames.
func (State) TableName() string {
	return "fee_hook_states"
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetRecipient returns the stored recipient, or nil when none was saved.
func (d *Database) GetRecipient(hook common.Address) (*common.Address, error) {
	var state State
	if err := d.db.Where("hook_address = ?", hook.Hex()).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	recipient := common.HexToAddress(state.Recipient)
	return &recipient, nil
}

func (d *Database) SaveRecipient(hook, recipient common.Address) error {
	state := State{
		HookAddress: hook.Hex(),
		Recipient:   recipient.Hex(),
		UpdatedAt:   time.Now(),
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hook_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"recipient", "updated_at"}),
	}).Create(&state).Error
}
