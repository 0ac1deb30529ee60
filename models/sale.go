package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Sale is one upstream sale. (store_id, external_id) is the idempotency key;
// external_id, store_id and user_id never change once the row exists.
type Sale struct {
	ID          uint                `gorm:"primaryKey" json:"id"`
	ExternalId  string              `gorm:"uniqueIndex:idx_sales_store_external,priority:2;size:128;not null" json:"external_id"`
	StoreId     string              `gorm:"uniqueIndex:idx_sales_store_external,priority:1;index:idx_sales_store_date,priority:1;size:100;not null" json:"store_id"`
	UserId      string              `gorm:"index;size:64;not null" json:"user_id"`
	SaleDate    time.Time           `gorm:"index:idx_sales_store_date,priority:2;not null" json:"sale_date"`
	TotalAmount decimal.NullDecimal `gorm:"type:decimal(20,2)" json:"total_amount"`
	Raw         datatypes.JSON      `json:"raw"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// SaleUpsertColumns are the only columns rewritten when a sale is seen again.
var SaleUpsertColumns = []string{"sale_date", "total_amount", "raw", "updated_at"}
