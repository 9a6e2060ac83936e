package db

import (
	"github.com/nmarkman/delivery-desk/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Connection{},
		&models.Opportunity{},
		&models.LineItem{},
		&models.Deliverable{},
		&models.SyncLog{},
	)
}
