package salesync

import (
	"context"
	"fmt"
	"sort"

	"bitbucket.org/mmdatafocus/sales_sync/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Aggregator turns synced sales into derived data. It runs after a successful run
// and its failures never change the run status.
type Aggregator interface {
	Aggregate(ctx context.Context, integrationID, storeID string, w Window) (AggregateResult, error)
}

type AggregateResult struct {
	Success bool     `json:"success"`
	Days    int      `json:"days"`
	Removed int64    `json:"removed"`
	Errors  []string `json:"errors,omitempty"`
}

// DailyAggregator rebuilds sale_daily_summaries for the window's days.
// Sales are bucketed by their UTC calendar date over the window's UTC days, the same
// days the date filter accepts.
type DailyAggregator struct {
	db *gorm.DB
}

func NewDailyAggregator(db *gorm.DB) *DailyAggregator {
	return &DailyAggregator{db: db}
}

func (a *DailyAggregator) Aggregate(ctx context.Context, integrationID, storeID string, w Window) (AggregateResult, error) {
	result := AggregateResult{}
	if !w.Valid() {
		return result, fmt.Errorf("aggregate %s: invalid window", storeID)
	}
	startDay, endDay := w.UTCStartDate(), w.UTCEndDate()

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		from, err := timeOfDay(startDay)
		if err != nil {
			return err
		}
		until, err := timeOfDay(endDay)
		if err != nil {
			return err
		}
		until = until.AddDate(0, 0, 1)

		var sales []models.Sale
		if err := tx.Select("store_id", "user_id", "sale_date", "total_amount").
			Where("store_id = ? AND sale_date >= ? AND sale_date < ?", storeID, from, until).
			Find(&sales).Error; err != nil {
			return fmt.Errorf("load sales: %w", err)
		}

		rows := bucketDaily(integrationID, storeID, sales)
		if len(rows) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "store_id"}, {Name: "sale_day"}},
				DoUpdates: clause.AssignmentColumns([]string{"user_id", "integration_id", "sale_count", "total_amount", "updated_at"}),
			}).Create(&rows).Error; err != nil {
				return fmt.Errorf("upsert daily summaries: %w", err)
			}
		}

		stale := tx.Where("store_id = ? AND sale_day BETWEEN ? AND ?", storeID, startDay, endDay)
		if len(rows) > 0 {
			days := make([]string, len(rows))
			for i, r := range rows {
				days[i] = r.SaleDay
			}
			stale = stale.Where("sale_day NOT IN ?", days)
		}
		res := stale.Delete(&models.SaleDailySummary{})
		if res.Error != nil {
			return fmt.Errorf("delete stale daily summaries: %w", res.Error)
		}

		result.Days = len(rows)
		result.Removed = res.RowsAffected
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}
	result.Success = true
	return result, nil
}

func bucketDaily(integrationID, storeID string, sales []models.Sale) []models.SaleDailySummary {
	byDay := make(map[string]*models.SaleDailySummary)
	for _, s := range sales {
		day := s.SaleDate.UTC().Format(dateLayout)
		row, ok := byDay[day]
		if !ok {
			row = &models.SaleDailySummary{
				StoreId:       storeID,
				SaleDay:       day,
				UserId:        s.UserId,
				IntegrationId: integrationID,
				TotalAmount:   decimal.Zero,
			}
			byDay[day] = row
		}
		row.SaleCount++
		if s.TotalAmount.Valid {
			row.TotalAmount = row.TotalAmount.Add(s.TotalAmount.Decimal)
		}
	}

	out := make([]models.SaleDailySummary, 0, len(byDay))
	for _, row := range byDay {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaleDay < out[j].SaleDay })
	return out
}
