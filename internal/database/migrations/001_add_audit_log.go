package migrations

import (
	"github.com/ksred/klear-treasury/internal/types"
	"gorm.io/gorm"
)

// AddAuditLog creates the audit trail table and the index used to page a
// single order's history.
func AddAuditLog(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.AuditRecord{}); err != nil {
		return err
	}

	if !db.Migrator().HasIndex(&types.AuditRecord{}, "idx_audit_order_created") {
		if err := db.Exec("CREATE INDEX idx_audit_order_created ON audit_records (order_id, created_at)").Error; err != nil {
			return err
		}
	}

	return nil
}
