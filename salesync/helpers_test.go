package salesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/config"
	"bitbucket.org/mmdatafocus/sales_sync/models"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// fixedNow is 09:00 on 2024-05-15 in the POS timezone.
var fixedNow = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), config.NewGormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps the in-memory database alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	config.InstallPlugins(db)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seedIntegration(t *testing.T, db *gorm.DB, mutate ...func(*models.Integration)) models.Integration {
	t.Helper()
	in := models.Integration{
		ID:      "int-1",
		UserId:  "user-1",
		Type:    models.IntegrationTypePOSSales,
		Token:   "secret-token",
		StoreId: "store-1",
		Enabled: true,
	}
	for _, m := range mutate {
		m(&in)
	}
	if err := db.Create(&in).Error; err != nil {
		t.Fatalf("seed integration: %v", err)
	}
	return in
}

func isSyncing(t *testing.T, db *gorm.DB, id string) bool {
	t.Helper()
	var in models.Integration
	if err := db.Where("id = ?", id).Take(&in).Error; err != nil {
		t.Fatalf("load integration: %v", err)
	}
	return in.IsSyncing
}

func countRows(t *testing.T, db *gorm.DB, model any, where ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// fakeFetcher serves canned pages without a network.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	queries []PageQuery
	respond func(call int, q PageQuery) (*Page, error)
}

func (f *fakeFetcher) FetchPage(ctx context.Context, q PageQuery) (*Page, error) {
	call := int(f.calls.Add(1))
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return f.respond(call, q)
}

func (f *fakeFetcher) PageURL(q PageQuery) string {
	return fmt.Sprintf("stub://search_sales?offset=%d", q.Offset)
}

func jsonPage(q PageQuery, v any) *Page {
	b, _ := json.Marshal(v)
	return &Page{URL: fmt.Sprintf("stub://search_sales?offset=%d", q.Offset), StatusCode: 200, Body: b, Attempts: 1}
}

func statusPage(q PageQuery, status int, body string) *Page {
	return &Page{URL: fmt.Sprintf("stub://search_sales?offset=%d", q.Offset), StatusCode: status, Body: []byte(body), Attempts: 3}
}

// saleRecords builds n distinct, well-formed records dated inside the default window.
func saleRecords(prefix string, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"id_sale":      fmt.Sprintf("%s-%d", prefix, i),
			"shift_date":   "2024-05-10T10:00:00Z",
			"total_amount": fmt.Sprintf("%d,50", i+1),
			"customer":     "walk-in",
		}
	}
	return out
}

func newTestSyncer(db *gorm.DB, f PageFetcher, options ...SyncerOption) *Syncer {
	base := []SyncerOption{WithClock(func() time.Time { return fixedNow }), WithLogger(quietLogger())}
	return NewSyncer(db, f, Options{RequestDelay: 0}, append(base, options...)...)
}
