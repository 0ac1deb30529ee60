package salesync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/config"
	"bitbucket.org/mmdatafocus/sales_sync/models"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const schedulerLockKey = "sales-sync:scheduler"

// Scheduler periodically syncs every enabled POS integration over the trailing window.
type Scheduler struct {
	syncer      *Syncer
	locker      *redislock.Client
	interval    time.Duration
	concurrency int
	logger      *logrus.Logger
}

// NewScheduler builds a scheduler. A nil locker means this is the only replica.
func NewScheduler(s *Syncer, locker *redislock.Client, interval time.Duration, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		syncer:      s,
		locker:      locker,
		interval:    interval,
		concurrency: concurrency,
		logger:      s.logger,
	}
}

// SchedulerFromEnv returns nil when SALES_SYNC_SCHEDULE_INTERVAL is unset.
func SchedulerFromEnv(s *Syncer, locker *redislock.Client) *Scheduler {
	interval := utils.DurationFromEnv("SALES_SYNC_SCHEDULE_INTERVAL", 0)
	if interval <= 0 {
		return nil
	}
	return NewScheduler(s, locker, interval, utils.IntFromEnv("SALES_SYNC_SCHEDULE_CONCURRENCY", 2))
}

// Run ticks until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) {
	sc.logger.WithFields(logrus.Fields{"interval": sc.interval.String(), "concurrency": sc.concurrency}).Info("sales sync scheduler started")
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sc.logger.Info("sales sync scheduler stopped")
			return
		case <-ticker.C:
			if _, err := sc.Tick(ctx); err != nil {
				config.LogError(sc.logger, "salesync", "Scheduler.Run", "tick", nil, err)
			}
		}
	}
}

// Tick syncs all enabled integrations once. It returns the summaries in integration
// order; when another replica holds the tick lock it returns nothing.
func (sc *Scheduler) Tick(ctx context.Context) ([]SyncSummary, error) {
	if sc.locker != nil {
		lock, err := sc.locker.Obtain(ctx, schedulerLockKey, sc.interval, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			sc.logger.Debug("scheduler tick skipped; another replica holds the lock")
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		defer func() {
			_ = lock.Release(context.WithoutCancel(ctx))
		}()
	}

	ctx = utils.SetSkipOwnerScopeInContext(ctx, true)
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	var integrations []models.Integration
	if err := sc.syncer.db.WithContext(ctx).
		Where("type = ? AND enabled = ?", models.IntegrationTypePOSSales, true).
		Order("id").
		Find(&integrations).Error; err != nil {
		return nil, err
	}

	summaries := make([]SyncSummary, len(integrations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.concurrency)
	for i, integration := range integrations {
		g.Go(func() error {
			summaries[i] = sc.syncer.Sync(gctx, SyncRequest{
				IntegrationID: integration.ID,
				TriggeredBy:   models.SyncTriggeredSchedule,
			})
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, s := range summaries {
		if s.Success {
			ok++
		}
	}
	sc.logger.WithFields(logrus.Fields{"integrations": len(integrations), "succeeded": ok}).Info("scheduler tick finished")
	return summaries, nil
}
