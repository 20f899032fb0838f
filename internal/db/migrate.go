package db

import (
	"signalrelay/internal/models"
)

// AutoMigrate creates the tables the relay owns. Account tables belong to the
// account service and are only created when withAccounts is set (dev setups).
func AutoMigrate(db *DB, withAccounts bool) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Signal{},
		&models.NotificationJob{},
		&models.DigestCursor{},
	); err != nil {
		return err
	}
	if !withAccounts {
		return nil
	}
	return db.Gorm.AutoMigrate(
		&models.Subscription{},
		&models.UserAccount{},
		&models.NotificationPreference{},
	)
}
