package salesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/models"
)

func emptyPages(call int, q PageQuery) (*Page, error) {
	return jsonPage(q, []any{}), nil
}

func TestSyncStopsAfterConsecutiveEmptyPages(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	f := &fakeFetcher{respond: emptyPages}

	summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

	if !summary.Success {
		t.Fatalf("expected success, got %+v", summary)
	}
	if got := f.calls.Load(); got != DefaultEmptyPageLimit {
		t.Fatalf("expected %d requests, got %d", DefaultEmptyPageLimit, got)
	}
	if summary.TotalRequests != DefaultEmptyPageLimit {
		t.Fatalf("summary requests: expected %d, got %d", DefaultEmptyPageLimit, summary.TotalRequests)
	}
	if isSyncing(t, db, "int-1") {
		t.Fatalf("lock not released after success")
	}

	var run models.SyncRun
	if err := db.First(&run, summary.RunID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess || run.EndedAt == nil || run.TotalRequests != 5 {
		t.Fatalf("unexpected run row: %+v", run)
	}
	if n := countRows(t, db, &models.SyncRawPage{}, "sync_run_id = ?", run.ID); n != 5 {
		t.Fatalf("expected 5 raw pages, got %d", n)
	}
}

func TestSyncStopsAtRequestCap(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
		return jsonPage(q, saleRecords("p", q.Limit)), nil
	}}

	s := newTestSyncer(db, f, WithAggregator(nil))
	s.opts.PageSize = 20
	summary := s.Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

	if !summary.Success {
		t.Fatalf("expected success, got %+v", summary)
	}
	if got := f.calls.Load(); got != DefaultMaxRequests {
		t.Fatalf("expected %d requests, got %d", DefaultMaxRequests, got)
	}
	if summary.TotalRequests != DefaultMaxRequests {
		t.Fatalf("summary requests: expected %d, got %d", DefaultMaxRequests, summary.TotalRequests)
	}
	last := f.queries[len(f.queries)-1]
	if last.Offset != (DefaultMaxRequests-1)*20 {
		t.Fatalf("unexpected final offset %d", last.Offset)
	}
}

func TestSyncSkipsSyntheticPage(t *testing.T) {
	identical := make([]map[string]any, 10)
	for i := range identical {
		identical[i] = map[string]any{"id_sale": "same", "shift_date": "2024-05-10T10:00:00Z", "total": 1}
	}

	cases := []struct {
		name       string
		firstPage  []map[string]any
		wantSales  int64
		wantErrors int64
	}{
		{name: "identical records", firstPage: identical, wantSales: 0, wantErrors: 1},
		{name: "distinct records", firstPage: saleRecords("d", 10), wantSales: 10, wantErrors: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			seedIntegration(t, db)
			f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
				if call == 1 {
					return jsonPage(q, tc.firstPage), nil
				}
				return jsonPage(q, []any{}), nil
			}}

			summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

			if !summary.Success {
				t.Fatalf("expected success, got %+v", summary)
			}
			if got := countRows(t, db, &models.Sale{}); got != tc.wantSales {
				t.Fatalf("sales: expected %d, got %d", tc.wantSales, got)
			}
			if got := countRows(t, db, &models.SyncError{}, "sync_run_id = ?", summary.RunID); got != tc.wantErrors {
				t.Fatalf("sync errors: expected %d, got %d", tc.wantErrors, got)
			}
			if int64(summary.Synced) != tc.wantSales || int64(summary.Errors) != tc.wantErrors {
				t.Fatalf("summary counters: %+v", summary)
			}
		})
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
		if q.Offset == 0 {
			return jsonPage(q, saleRecords("s", 12)), nil
		}
		return jsonPage(q, []any{}), nil
	}}
	s := newTestSyncer(db, f)

	for i := 0; i < 2; i++ {
		if summary := s.Sync(context.Background(), SyncRequest{IntegrationID: "int-1"}); !summary.Success {
			t.Fatalf("run %d failed: %+v", i+1, summary)
		}
	}

	if got := countRows(t, db, &models.Sale{}); got != 12 {
		t.Fatalf("expected 12 sales after two runs, got %d", got)
	}
	if got := countRows(t, db, &models.SyncRun{}, "status = ?", models.SyncRunStatusSuccess); got != 2 {
		t.Fatalf("expected 2 successful runs, got %d", got)
	}
}

func TestSyncAppliesDateFilter(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	records := []map[string]any{
		{"id": "in-1", "shift_date": "2024-05-01", "total": "10"},
		{"id": "in-2", "sale_date": "2024-05-15T23:30:00Z", "total": "11"},
		{"id": "in-3", "sale_date": "2024-05-15T22:00:00-03:00", "total": "14"},
		{"id": "out-1", "shift_date": "2024-04-30T23:59:59Z", "total": "12"},
		{"id": "nodate", "total": "13"},
	}
	f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
		if call == 1 {
			return jsonPage(q, map[string]any{"data": records}), nil
		}
		return jsonPage(q, []any{}), nil
	}}

	summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

	if summary.TotalBeforeFilter != 5 || summary.TotalAfterFilter != 3 || summary.Synced != 3 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if summary.Period.StartDate() != "2024-05-01" || summary.Period.EndDate() != "2024-05-15" {
		t.Fatalf("unexpected period %s..%s", summary.Period.StartDate(), summary.Period.EndDate())
	}
}

func TestSyncRejectsWhenLockHeld(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	if err := db.Model(&models.Integration{}).Where("id = ?", "int-1").Update("is_syncing", true).Error; err != nil {
		t.Fatalf("set lock: %v", err)
	}
	f := &fakeFetcher{respond: emptyPages}

	summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

	if summary.Success || summary.Kind != KindLockContention || summary.Message != MessageAlreadySyncing {
		t.Fatalf("expected lock contention, got %+v", summary)
	}
	if f.calls.Load() != 0 || summary.TotalRequests != 0 {
		t.Fatalf("expected no requests, got %d", f.calls.Load())
	}
	if !isSyncing(t, db, "int-1") {
		t.Fatalf("a rejected caller must not release a lock it never held")
	}
	if n := countRows(t, db, &models.SyncRun{}); n != 0 {
		t.Fatalf("expected no run rows, got %d", n)
	}
}

func TestSyncConcurrentCallsAreExclusive(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)

	started := make(chan struct{})
	proceed := make(chan struct{})
	f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
		if call == 1 {
			close(started)
			<-proceed
		}
		return jsonPage(q, []any{}), nil
	}}
	s := newTestSyncer(db, f)

	first := make(chan SyncSummary, 1)
	go func() {
		first <- s.Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first sync never fetched")
	}
	second := s.Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})
	close(proceed)
	one := <-first

	if !one.Success {
		t.Fatalf("first sync should succeed: %+v", one)
	}
	if second.Success || second.Kind != KindLockContention || second.TotalRequests != 0 {
		t.Fatalf("second sync should be rejected: %+v", second)
	}
	if got := f.calls.Load(); got != DefaultEmptyPageLimit {
		t.Fatalf("only the first run should fetch; got %d calls", got)
	}
	if isSyncing(t, db, "int-1") {
		t.Fatalf("lock not released")
	}
}

func TestSyncReleasesLockOnEveryExit(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*models.Integration)
		respond  func(call int, q PageQuery) (*Page, error)
		wantKind ErrorKind
		wantRun  string
		wantReqs int
	}{
		{
			name:     "success",
			respond:  emptyPages,
			wantRun:  models.SyncRunStatusSuccess,
			wantReqs: 5,
		},
		{
			name:     "wrong integration type",
			mutate:   func(in *models.Integration) { in.Type = "whatsapp" },
			respond:  emptyPages,
			wantKind: KindConfiguration,
		},
		{
			name:     "missing token after lock",
			mutate:   func(in *models.Integration) { in.Token = "" },
			respond:  emptyPages,
			wantKind: KindConfiguration,
		},
		{
			name: "server error aborts",
			respond: func(call int, q PageQuery) (*Page, error) {
				return statusPage(q, 503, `{"error":"down"}`), nil
			},
			wantKind: KindFatalUpstream,
			wantRun:  models.SyncRunStatusError,
			wantReqs: 1,
		},
		{
			name: "transport failure aborts",
			respond: func(call int, q PageQuery) (*Page, error) {
				return nil, errors.New("connection refused")
			},
			wantKind: KindFatalUpstream,
			wantRun:  models.SyncRunStatusError,
			wantReqs: 1,
		},
		{
			name: "malformed body aborts",
			respond: func(call int, q PageQuery) (*Page, error) {
				return &Page{URL: "stub://x", StatusCode: 200, Body: []byte("<html>")}, nil
			},
			wantKind: KindMalformedResponse,
			wantRun:  models.SyncRunStatusError,
			wantReqs: 1,
		},
		{
			name: "panic inside loop",
			respond: func(call int, q PageQuery) (*Page, error) {
				panic("boom")
			},
			wantKind: KindInternal,
			wantRun:  models.SyncRunStatusError,
			wantReqs: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			var mutate []func(*models.Integration)
			if tc.mutate != nil {
				mutate = append(mutate, tc.mutate)
			}
			seedIntegration(t, db, mutate...)
			f := &fakeFetcher{respond: tc.respond}

			summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

			if isSyncing(t, db, "int-1") {
				t.Fatalf("lock still held after %s", tc.name)
			}
			if summary.Kind != tc.wantKind {
				t.Fatalf("kind: expected %q, got %q (%s)", tc.wantKind, summary.Kind, summary.Message)
			}
			if summary.Success != (tc.wantKind == "") {
				t.Fatalf("success flag mismatch: %+v", summary)
			}
			if summary.TotalRequests != tc.wantReqs {
				t.Fatalf("requests: expected %d, got %d", tc.wantReqs, summary.TotalRequests)
			}
			if tc.wantRun == "" {
				if n := countRows(t, db, &models.SyncRun{}); n != 0 {
					t.Fatalf("expected no run, got %d", n)
				}
				return
			}
			var run models.SyncRun
			if err := db.First(&run, summary.RunID).Error; err != nil {
				t.Fatalf("load run: %v", err)
			}
			if run.Status != tc.wantRun {
				t.Fatalf("run status: expected %s, got %s", tc.wantRun, run.Status)
			}
			if tc.wantRun == models.SyncRunStatusError && run.Message == "" {
				t.Fatalf("aborted run should carry a message")
			}
		})
	}
}

func TestSyncContinuesPastClientErrors(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
		switch call {
		case 1:
			return statusPage(q, 429, `{"error":"slow down"}`), nil
		case 2:
			return jsonPage(q, map[string]any{"items": saleRecords("x", 3)}), nil
		default:
			return jsonPage(q, []any{}), nil
		}
	}}

	summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

	if !summary.Success {
		t.Fatalf("expected success, got %+v", summary)
	}
	if summary.Errors != 1 || summary.Synced != 3 || summary.TotalRequests != 7 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if f.queries[1].Offset != DefaultPageSize {
		t.Fatalf("second request should move to the next offset, got %d", f.queries[1].Offset)
	}
	var e models.SyncError
	if err := db.Where("sync_run_id = ?", summary.RunID).Take(&e).Error; err != nil {
		t.Fatalf("load sync error: %v", err)
	}
	if e.Code != models.SyncErrorHTTPStatus || e.Preview == "" {
		t.Fatalf("unexpected sync error: %+v", e)
	}

	// Every fetched page is kept, failed ones included.
	var pages []models.SyncRawPage
	if err := db.Where("sync_run_id = ?", summary.RunID).Order("page_index").Find(&pages).Error; err != nil {
		t.Fatalf("load raw pages: %v", err)
	}
	if len(pages) != summary.TotalRequests {
		t.Fatalf("expected %d raw pages, got %d", summary.TotalRequests, len(pages))
	}
	if pages[0].PageIndex != 0 || pages[0].StatusCode != 429 || pages[0].Payload != `{"error":"slow down"}` {
		t.Fatalf("unexpected first raw page: %+v", pages[0])
	}
	if pages[1].PageIndex != 1 || pages[1].StatusCode != 200 {
		t.Fatalf("unexpected second raw page: %+v", pages[1])
	}
}

func TestSyncCancellation(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
		if call == 2 {
			cancel()
			return nil, ctx.Err()
		}
		return jsonPage(q, []any{}), nil
	}}

	summary := newTestSyncer(db, f).Sync(ctx, SyncRequest{IntegrationID: "int-1"})

	if summary.Success || summary.Kind != KindCanceled {
		t.Fatalf("expected canceled run, got %+v", summary)
	}
	if isSyncing(t, db, "int-1") {
		t.Fatalf("lock not released after cancellation")
	}
	var run models.SyncRun
	if err := db.First(&run, summary.RunID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != models.SyncRunStatusError {
		t.Fatalf("canceled run should end as error, got %s", run.Status)
	}
}

func TestSyncValidation(t *testing.T) {
	start := time.Date(2024, 5, 10, 0, 0, 0, 0, SyncLocation)
	cases := []struct {
		name string
		req  SyncRequest
	}{
		{name: "missing id", req: SyncRequest{}},
		{name: "unknown integration", req: SyncRequest{IntegrationID: "nope"}},
		{name: "start after end", req: SyncRequest{IntegrationID: "int-1", Start: start, End: start.Add(-time.Hour)}},
		{name: "half window", req: SyncRequest{IntegrationID: "int-1", Start: start}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := newTestDB(t)
			seedIntegration(t, db)
			f := &fakeFetcher{respond: emptyPages}

			summary := newTestSyncer(db, f).Sync(context.Background(), tc.req)

			if summary.Success || summary.Kind != KindConfiguration || summary.Message == "" {
				t.Fatalf("expected configuration error, got %+v", summary)
			}
			if f.calls.Load() != 0 {
				t.Fatalf("no requests expected")
			}
		})
	}
}

func TestSyncStoreIdResolution(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db, func(in *models.Integration) { in.StoreId = "" })
	f := &fakeFetcher{respond: emptyPages}
	s := newTestSyncer(db, f)

	if summary := s.Sync(context.Background(), SyncRequest{IntegrationID: "int-1"}); summary.Kind != KindConfiguration {
		t.Fatalf("expected configuration error without store id, got %+v", summary)
	}
	if summary := s.Sync(context.Background(), SyncRequest{IntegrationID: "int-1", StoreID: "override"}); !summary.Success {
		t.Fatalf("request store id should be used: %+v", summary)
	}
	if f.queries[0].StoreID != "override" {
		t.Fatalf("expected override store id, got %q", f.queries[0].StoreID)
	}
}

func TestSyncDisabledIntegrationProceeds(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	if err := db.Model(&models.Integration{}).Where("id = ?", "int-1").Update("enabled", false).Error; err != nil {
		t.Fatalf("disable: %v", err)
	}
	f := &fakeFetcher{respond: emptyPages}

	if summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"}); !summary.Success {
		t.Fatalf("disabled integrations may still be synced manually: %+v", summary)
	}
}

type failingAggregator struct{ calls int }

func (a *failingAggregator) Aggregate(ctx context.Context, integrationID, storeID string, w Window) (AggregateResult, error) {
	a.calls++
	return AggregateResult{}, errors.New("rollup exploded")
}

func TestSyncAggregation(t *testing.T) {
	t.Run("daily summaries rebuilt", func(t *testing.T) {
		db := newTestDB(t)
		seedIntegration(t, db)
		f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
			if call == 1 {
				return jsonPage(q, saleRecords("a", 4)), nil
			}
			return jsonPage(q, []any{}), nil
		}}

		if summary := newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"}); !summary.Success {
			t.Fatalf("sync failed: %+v", summary)
		}
		var row models.SaleDailySummary
		if err := db.Where("store_id = ? AND sale_day = ?", "store-1", "2024-05-10").Take(&row).Error; err != nil {
			t.Fatalf("load summary: %v", err)
		}
		if row.SaleCount != 4 || row.TotalAmount.StringFixed(2) != "12.00" {
			t.Fatalf("unexpected summary row: %+v", row)
		}
	})

	t.Run("failure keeps run successful", func(t *testing.T) {
		db := newTestDB(t)
		seedIntegration(t, db)
		agg := &failingAggregator{}
		f := &fakeFetcher{respond: emptyPages}

		summary := newTestSyncer(db, f, WithAggregator(agg)).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

		if !summary.Success || agg.calls != 1 {
			t.Fatalf("expected success with one aggregation call, got %+v calls=%d", summary, agg.calls)
		}
		var run models.SyncRun
		if err := db.First(&run, summary.RunID).Error; err != nil {
			t.Fatalf("load run: %v", err)
		}
		if run.Status != models.SyncRunStatusSuccess {
			t.Fatalf("aggregation failure must not change status, got %s", run.Status)
		}
		if n := countRows(t, db, &models.SyncError{}, "code = ?", models.SyncErrorAggregation); n != 1 {
			t.Fatalf("expected one aggregation error row, got %d", n)
		}
		rows := countRows(t, db, &models.SyncError{}, "sync_run_id = ?", run.ID)
		if int64(run.ErrorCount) != rows || summary.Errors != run.ErrorCount || run.ErrorCount != 1 {
			t.Fatalf("error counters out of step: summary=%d run=%d rows=%d", summary.Errors, run.ErrorCount, rows)
		}
	})

	t.Run("not called on aborted run", func(t *testing.T) {
		db := newTestDB(t)
		seedIntegration(t, db)
		agg := &failingAggregator{}
		f := &fakeFetcher{respond: func(call int, q PageQuery) (*Page, error) {
			return statusPage(q, 500, "oops"), nil
		}}

		newTestSyncer(db, f, WithAggregator(agg)).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})
		if agg.calls != 0 {
			t.Fatalf("aggregator should not run after an abort")
		}
	})
}

func TestSyncStampsIntegration(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	f := &fakeFetcher{respond: emptyPages}

	newTestSyncer(db, f).Sync(context.Background(), SyncRequest{IntegrationID: "int-1"})

	var in models.Integration
	if err := db.Where("id = ?", "int-1").Take(&in).Error; err != nil {
		t.Fatalf("load integration: %v", err)
	}
	if in.LastSyncAt == nil || in.LastSuccessSyncAt == nil {
		t.Fatalf("expected sync timestamps, got %+v", in)
	}
}
