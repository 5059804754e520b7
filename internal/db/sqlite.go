package db

import (
	"github.com/crmdesk/calsync/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite database and runs migrations. The composite unique
// indexes declared on the models are the storage-layer guarantees the sync
// engine relies on: one integration per (account, user, provider) and one
// event per (external_id, integration_id).
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(
		&models.Integration{},
		&models.Event{},
		&models.Attendee{},
		&models.EventLink{},
		&models.Contact{},
	); err != nil {
		return nil, err
	}

	return database, nil
}
