package salesync

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/sales_sync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaleWriter upserts sales keyed by (store_id, external_id).
type SaleWriter struct {
	db *gorm.DB
}

func NewSaleWriter(db *gorm.DB) *SaleWriter {
	return &SaleWriter{db: db}
}

// UpsertBatch writes one page of sales in a single transaction and returns the number
// of rows written. Repeated keys inside the batch collapse to the last occurrence.
// On conflict only sale_date, total_amount, raw and updated_at change.
func (w *SaleWriter) UpsertBatch(ctx context.Context, sales []models.Sale) (int, error) {
	rows := dedupeSales(sales)
	if len(rows) == 0 {
		return 0, nil
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store_id"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns(models.SaleUpsertColumns),
		}).Create(&rows).Error
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %d sales: %w", len(rows), err)
	}
	return len(rows), nil
}

func dedupeSales(sales []models.Sale) []models.Sale {
	index := make(map[string]int, len(sales))
	out := make([]models.Sale, 0, len(sales))
	for _, s := range sales {
		key := s.StoreId + "\x00" + s.ExternalId
		if i, ok := index[key]; ok {
			out[i] = s
			continue
		}
		index[key] = len(out)
		out = append(out, s)
	}
	return out
}
