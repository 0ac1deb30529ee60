package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bitbucket.org/mmdatafocus/sales_sync/config"
	"bitbucket.org/mmdatafocus/sales_sync/models"
	"bitbucket.org/mmdatafocus/sales_sync/salesync"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
	"github.com/google/uuid"
)

func main() {
	integrationID := flag.String("integration-id", "", "Integration to sync (required).")
	storeID := flag.String("store-id", "", "Optional: override the integration's store id.")
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD). Requires -to.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Requires -from.")
	days := flag.Int("days", 0, "Optional: trailing days ending today when -from/-to are empty (default SALES_SYNC_DEFAULT_DAYS).")
	noAggregate := flag.Bool("no-aggregate", false, "Skip rebuilding daily summaries after a successful run.")
	flag.Parse()

	if strings.TrimSpace(*integrationID) == "" {
		fmt.Fprintln(os.Stderr, "-integration-id is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	if !utils.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	}

	req, err := salesync.TriggerSyncRequest{StoreId: *storeID, Start: *from, End: *to, Days: *days}.
		ToSyncRequest(strings.TrimSpace(*integrationID), models.SyncTriggeredCLI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid window: %v\n", err)
		os.Exit(2)
	}

	logger := config.GetLogger()
	opts := salesync.OptionsFromEnv()
	client, err := salesync.NewClient(opts.BaseURL, salesync.WithRequestDelay(opts.RequestDelay), salesync.WithClientLogger(logger))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	options := []salesync.SyncerOption{salesync.WithLogger(logger)}
	if *noAggregate {
		options = append(options, salesync.WithAggregator(nil))
	}
	syncer := salesync.NewSyncer(db, client, opts, options...)

	// Operators act on any tenant.
	ctx = utils.SetSkipOwnerScopeInContext(ctx, true)
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	summary := syncer.Sync(ctx, req)
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if !summary.Success {
		os.Exit(1)
	}
}
