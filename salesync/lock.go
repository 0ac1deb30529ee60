package salesync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/sales_sync/models"
	"gorm.io/gorm"
)

// LockManager is a per-integration mutex stored in integrations.is_syncing.
// The row update is the compare-and-swap, so it holds across processes.
type LockManager struct {
	db *gorm.DB
}

func NewLockManager(db *gorm.DB) *LockManager {
	return &LockManager{db: db}
}

// Acquire flips is_syncing from false to true. It reports false when another
// run holds the lock or the integration does not exist.
func (l *LockManager) Acquire(ctx context.Context, integrationID string) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ? AND is_syncing = ?", integrationID, false).
		Update("is_syncing", true)
	if res.Error != nil {
		return false, fmt.Errorf("acquire sync lock %s: %w", integrationID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release clears is_syncing unconditionally.
func (l *LockManager) Release(ctx context.Context, integrationID string) error {
	err := l.db.WithContext(ctx).Model(&models.Integration{}).
		Where("id = ?", integrationID).
		Update("is_syncing", false).Error
	if err != nil {
		return fmt.Errorf("release sync lock %s: %w", integrationID, err)
	}
	return nil
}
