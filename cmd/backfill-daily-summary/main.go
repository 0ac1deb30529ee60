package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/config"
	"bitbucket.org/mmdatafocus/sales_sync/models"
	"bitbucket.org/mmdatafocus/sales_sync/salesync"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
)

func main() {
	integrationID := flag.String("integration-id", "", "Optional: backfill only one integration. If empty, backfills all POS sales integrations.")
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD). Defaults to -days before -to.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Defaults to today in the POS timezone.")
	days := flag.Int("days", 90, "Days to rebuild when -from is empty.")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	// Ensure schema is up-to-date (creates sale_daily_summaries if missing).
	models.MigrateTable()

	ctx := utils.SetSkipOwnerScopeInContext(context.Background(), true)

	var integrations []models.Integration
	query := db.WithContext(ctx).Where("type = ?", models.IntegrationTypePOSSales)
	if strings.TrimSpace(*integrationID) != "" {
		query = query.Where("id = ?", strings.TrimSpace(*integrationID))
	}
	if err := query.Order("id").Find(&integrations).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list integrations: %v\n", err)
		os.Exit(1)
	}
	if len(integrations) == 0 {
		fmt.Fprintln(os.Stderr, "no integrations found to backfill")
		return
	}

	end := strings.TrimSpace(*to)
	if end == "" {
		end = time.Now().In(salesync.SyncLocation).Format("2006-01-02")
	}
	start := strings.TrimSpace(*from)
	if start == "" {
		endDay, err := time.ParseInLocation("2006-01-02", end, salesync.SyncLocation)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -to %q: %v\n", end, err)
			os.Exit(2)
		}
		start = endDay.AddDate(0, 0, -(max(*days, 1) - 1)).Format("2006-01-02")
	}
	window, err := salesync.WindowFromDates(start, end)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	aggregator := salesync.NewDailyAggregator(db)
	failed := 0
	for _, in := range integrations {
		if strings.TrimSpace(in.StoreId) == "" {
			fmt.Fprintf(os.Stderr, "integration %s has no store id; skipped\n", in.ID)
			continue
		}
		fmt.Printf("Backfilling sale_daily_summaries integration=%s store=%s from=%s to=%s\n",
			in.ID, in.StoreId, window.StartDate(), window.EndDate())

		res, err := aggregator.Aggregate(ctx, in.ID, in.StoreId, window)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "integration %s backfill failed: %v\n", in.ID, err)
			continue
		}
		fmt.Printf("  days=%d removed=%d\n", res.Days, res.Removed)
	}

	if failed > 0 {
		os.Exit(1)
	}
	fmt.Println("Backfill complete")
}
