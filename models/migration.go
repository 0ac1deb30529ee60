package models

import (
	"bitbucket.org/mmdatafocus/sales_sync/config"
	"gorm.io/gorm"
)

// MigrateTable migrates the global connection and exits the process on failure.
func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		config.GetLogger().WithError(err).Fatal("migration failed")
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Integration{},
		&SyncRun{}, &SyncRawPage{}, &SyncError{},
		&Sale{}, &SaleDailySummary{},
	)
}
