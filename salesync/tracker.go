package salesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/models"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	errorPreviewBytes   = 500
	progressCacheTTL    = time.Hour
	progressCachePrefix = "SyncRun:"
)

// ErrRunFinalized is returned when a run has already reached a terminal status.
var ErrRunFinalized = errors.New("sync run already finalized")

// Counters is the mid-flight progress of a run.
type Counters struct {
	TotalRequests     int
	TotalBeforeFilter int
	TotalAfterFilter  int
	SyncedCount       int
	ErrorCount        int
	LastURL           string
}

// RunProgress is the snapshot pollers read while a run is in flight.
type RunProgress struct {
	RunID             uint       `json:"runId"`
	IntegrationID     string     `json:"integrationId"`
	StoreID           string     `json:"storeId"`
	Status            string     `json:"status"`
	TotalRequests     int        `json:"totalRequests"`
	TotalBeforeFilter int        `json:"totalBeforeFilter"`
	TotalAfterFilter  int        `json:"totalAfterFilter"`
	Synced            int        `json:"synced"`
	Errors            int        `json:"errors"`
	LastURL           string     `json:"lastUrl,omitempty"`
	Message           string     `json:"message,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
}

func progressFromRun(run *models.SyncRun) RunProgress {
	return RunProgress{
		RunID:             run.ID,
		IntegrationID:     run.IntegrationId,
		StoreID:           run.StoreId,
		Status:            run.Status,
		TotalRequests:     run.TotalRequests,
		TotalBeforeFilter: run.TotalBeforeFilter,
		TotalAfterFilter:  run.TotalAfterFilter,
		Synced:            run.SyncedCount,
		Errors:            run.ErrorCount,
		LastURL:           run.LastURL,
		Message:           run.Message,
		StartedAt:         run.StartedAt,
		EndedAt:           run.EndedAt,
	}
}

// RunTracker persists the audit trail of a run. The redis cache is optional.
type RunTracker struct {
	db    *gorm.DB
	cache *redis.Client
}

func NewRunTracker(db *gorm.DB, cache *redis.Client) *RunTracker {
	return &RunTracker{db: db, cache: cache}
}

func (t *RunTracker) Create(ctx context.Context, run *models.SyncRun) error {
	run.Status = models.SyncRunStatusRunning
	if err := t.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}
	t.cacheProgress(ctx, progressFromRun(run))
	return nil
}

func (t *RunTracker) RecordPage(ctx context.Context, runID uint, index int, page *Page) error {
	row := models.SyncRawPage{
		SyncRunId:  runID,
		PageIndex:  index,
		StatusCode: page.StatusCode,
		URL:        page.URL,
		Payload:    string(page.Body),
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record raw page %d: %w", index, err)
	}
	return nil
}

// RecordError appends one SyncError; the preview is cut to 500 bytes.
func (t *RunTracker) RecordError(ctx context.Context, runID uint, code, message string, preview []byte) error {
	row := models.SyncError{
		SyncRunId: runID,
		Code:      code,
		Message:   message,
		Preview:   utils.Preview(preview, errorPreviewBytes),
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record sync error: %w", err)
	}
	return nil
}

func (t *RunTracker) UpdateCounters(ctx context.Context, run *models.SyncRun, c Counters) error {
	err := t.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"total_requests":      c.TotalRequests,
			"total_before_filter": c.TotalBeforeFilter,
			"total_after_filter":  c.TotalAfterFilter,
			"synced_count":        c.SyncedCount,
			"error_count":         c.ErrorCount,
			"last_url":            c.LastURL,
		}).Error
	if err != nil {
		return fmt.Errorf("update sync run counters: %w", err)
	}
	applyCounters(run, c)
	t.cacheProgress(ctx, progressFromRun(run))
	return nil
}

// Finalize moves a running run to status. Only the first call succeeds; later calls
// return ErrRunFinalized and leave the row untouched.
func (t *RunTracker) Finalize(ctx context.Context, run *models.SyncRun, status string, c Counters, message string, endedAt time.Time) error {
	duration := endedAt.Sub(run.StartedAt).Milliseconds()
	res := t.db.WithContext(ctx).Model(&models.SyncRun{}).
		Where("id = ? AND status = ?", run.ID, models.SyncRunStatusRunning).
		Updates(map[string]interface{}{
			"status":              status,
			"message":             message,
			"ended_at":            endedAt,
			"duration_ms":         duration,
			"total_requests":      c.TotalRequests,
			"total_before_filter": c.TotalBeforeFilter,
			"total_after_filter":  c.TotalAfterFilter,
			"synced_count":        c.SyncedCount,
			"error_count":         c.ErrorCount,
			"last_url":            c.LastURL,
		})
	if res.Error != nil {
		return fmt.Errorf("finalize sync run: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrRunFinalized
	}

	applyCounters(run, c)
	run.Status = status
	run.Message = message
	run.EndedAt = &endedAt
	run.DurationMs = duration
	t.cacheProgress(ctx, progressFromRun(run))
	return nil
}

// RecordLateError appends a SyncError to an already finalized run and bumps its
// error_count in the same transaction, so the counter keeps matching the rows.
func (t *RunTracker) RecordLateError(ctx context.Context, run *models.SyncRun, code, message string, preview []byte) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.SyncError{
			SyncRunId: run.ID,
			Code:      code,
			Message:   message,
			Preview:   utils.Preview(preview, errorPreviewBytes),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&models.SyncRun{}).Where("id = ?", run.ID).
			Update("error_count", gorm.Expr("error_count + ?", 1)).Error
	})
	if err != nil {
		return fmt.Errorf("record late sync error: %w", err)
	}
	run.ErrorCount++
	t.cacheProgress(ctx, progressFromRun(run))
	return nil
}

// GetRunProgress reads the cached snapshot first and falls back to the database.
func (t *RunTracker) GetRunProgress(ctx context.Context, runID uint) (*RunProgress, error) {
	if t.cache != nil {
		val, err := t.cache.Get(ctx, progressKey(runID)).Result()
		if err == nil {
			var p RunProgress
			if jerr := json.Unmarshal([]byte(val), &p); jerr == nil {
				return &p, nil
			}
		}
	}

	var run models.SyncRun
	if err := t.db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, err
	}
	p := progressFromRun(&run)
	return &p, nil
}

// cacheProgress is best effort: a redis outage must not fail the run.
func (t *RunTracker) cacheProgress(ctx context.Context, p RunProgress) {
	if t.cache == nil {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = t.cache.Set(context.WithoutCancel(ctx), progressKey(p.RunID), b, progressCacheTTL).Err()
}

func progressKey(runID uint) string {
	return progressCachePrefix + strconv.FormatUint(uint64(runID), 10)
}

func applyCounters(run *models.SyncRun, c Counters) {
	run.TotalRequests = c.TotalRequests
	run.TotalBeforeFilter = c.TotalBeforeFilter
	run.TotalAfterFilter = c.TotalAfterFilter
	run.SyncedCount = c.SyncedCount
	run.ErrorCount = c.ErrorCount
	run.LastURL = c.LastURL
}
