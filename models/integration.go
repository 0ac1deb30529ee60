package models

import "time"

const (
	IntegrationTypePOSSales = "pos_sales"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusError   = "error"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredPubSub   = "pubsub"
	SyncTriggeredCLI      = "cli"
)

// Integration is one tenant's connection to the POS platform. The dashboard owns it;
// the sync engine only flips IsSyncing and stamps the last-sync times.
type Integration struct {
	ID                string     `gorm:"primaryKey;size:64" json:"id"`
	UserId            string     `gorm:"index;size:64;not null" json:"user_id"`
	Type              string     `gorm:"index;size:50;not null" json:"type"`
	Token             string     `gorm:"type:text" json:"-"`
	StoreId           string     `gorm:"size:100" json:"store_id"`
	StoreName         string     `gorm:"size:255" json:"store_name"`
	Enabled           bool       `gorm:"not null;default:true" json:"enabled"`
	IsSyncing         bool       `gorm:"not null;default:false" json:"is_syncing"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRun is the audit record of one sync invocation.
// Status only moves forward: running -> success | error.
type SyncRun struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	IntegrationId     string     `gorm:"index;size:64;not null" json:"integration_id"`
	StoreId           string     `gorm:"index;size:100;not null" json:"store_id"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy       string     `gorm:"size:20" json:"triggered_by"`
	PeriodStart       time.Time  `json:"period_start"`
	PeriodEnd         time.Time  `json:"period_end"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`
	DurationMs        int64      `json:"duration_ms"`
	LastURL           string     `gorm:"type:text" json:"last_url"`
	TotalRequests     int        `json:"total_requests"`
	TotalBeforeFilter int        `json:"total_before_filter"`
	TotalAfterFilter  int        `json:"total_after_filter"`
	SyncedCount       int        `json:"synced_count"`
	ErrorCount        int        `json:"error_count"`
	Message           string     `gorm:"type:text" json:"message"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRawPage keeps the verbatim body of one fetched page for replay and debugging.
type SyncRawPage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SyncRunId  uint      `gorm:"uniqueIndex:idx_raw_page_run_index,priority:1;not null" json:"sync_run_id"`
	PageIndex  int       `gorm:"uniqueIndex:idx_raw_page_run_index,priority:2;not null" json:"page_index"`
	StatusCode int       `json:"status_code"`
	URL        string    `gorm:"type:text" json:"url"`
	Payload    string    `gorm:"type:longtext" json:"payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	SyncErrorHTTPStatus        = "http_status"
	SyncErrorTransport         = "transport"
	SyncErrorMalformedResponse = "malformed_response"
	SyncErrorSyntheticPage     = "synthetic_page"
	SyncErrorWriteFailed       = "write_failed"
	SyncErrorAggregation       = "aggregation_failed"
)

type SyncError struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SyncRunId uint      `gorm:"index;not null" json:"sync_run_id"`
	Code      string    `gorm:"size:64" json:"code"`
	Message   string    `gorm:"type:text" json:"message"`
	Preview   string    `gorm:"type:text" json:"preview"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
