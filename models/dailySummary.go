package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleDailySummary is a small, query-friendly aggregate table used by dashboards.
//
// Grain: (store_id, sale_day), where sale_day is the UTC calendar date of the sale.
// NOTE: This table is derived data and can be rebuilt from sales.
type SaleDailySummary struct {
	StoreId       string          `gorm:"primaryKey;size:100" json:"store_id"`
	SaleDay       string          `gorm:"primaryKey;size:10" json:"sale_day"`
	UserId        string          `gorm:"index;size:64;not null" json:"user_id"`
	IntegrationId string          `gorm:"index;size:64" json:"integration_id"`
	SaleCount     int             `json:"sale_count"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,2);default:0" json:"total_amount"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
