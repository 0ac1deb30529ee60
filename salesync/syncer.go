package salesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/config"
	"bitbucket.org/mmdatafocus/sales_sync/models"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

const (
	tracerName = "salesync"

	DefaultPageSize       = 200
	DefaultEmptyPageLimit = 5
	DefaultMaxRequests    = 100
	DefaultDays           = 15

	defaultRequestDelay = 800 * time.Millisecond
)

// Options are the paging limits of a run. Zero fields fall back to the defaults.
type Options struct {
	BaseURL        string
	PageSize       int
	EmptyPageLimit int
	MaxRequests    int
	DefaultDays    int
	RequestDelay   time.Duration
}

func DefaultOptions() Options {
	return Options{
		PageSize:       DefaultPageSize,
		EmptyPageLimit: DefaultEmptyPageLimit,
		MaxRequests:    DefaultMaxRequests,
		DefaultDays:    DefaultDays,
		RequestDelay:   defaultRequestDelay,
	}
}

// OptionsFromEnv reads POS_API_BASE_URL, SALES_SYNC_REQUEST_DELAY_MS and SALES_SYNC_DEFAULT_DAYS.
func OptionsFromEnv() Options {
	opts := DefaultOptions()
	opts.BaseURL = utils.EnvString("POS_API_BASE_URL", "")
	opts.RequestDelay = time.Duration(utils.IntFromEnv("SALES_SYNC_REQUEST_DELAY_MS", int(defaultRequestDelay/time.Millisecond))) * time.Millisecond
	opts.DefaultDays = utils.IntFromEnv("SALES_SYNC_DEFAULT_DAYS", DefaultDays)
	return opts
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = def.PageSize
	}
	if o.EmptyPageLimit <= 0 {
		o.EmptyPageLimit = def.EmptyPageLimit
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = def.MaxRequests
	}
	if o.DefaultDays <= 0 {
		o.DefaultDays = def.DefaultDays
	}
	if o.RequestDelay < 0 {
		o.RequestDelay = 0
	}
	return o
}

// ErrorKind classifies why a run did not succeed.
type ErrorKind string

const (
	KindLockContention    ErrorKind = "lock_contention"
	KindConfiguration     ErrorKind = "configuration"
	KindFatalUpstream     ErrorKind = "fatal_upstream"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindCanceled          ErrorKind = "canceled"
	KindStorage           ErrorKind = "storage"
	KindInternal          ErrorKind = "internal"
)

const MessageAlreadySyncing = "sync already in progress"

// SyncRequest is one invocation. Zero Start and End select the trailing Days
// (or the configured default) ending today.
type SyncRequest struct {
	IntegrationID string    `json:"integrationId" validate:"required,max=64"`
	StoreID       string    `json:"storeId,omitempty" validate:"max=100"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Days          int       `json:"days,omitempty" validate:"min=0,max=366"`
	TriggeredBy   string    `json:"triggeredBy,omitempty"`
}

// SyncSummary is always returned, whatever happened during the run.
type SyncSummary struct {
	Success           bool      `json:"success"`
	Synced            int       `json:"synced"`
	Errors            int       `json:"errors"`
	TotalBeforeFilter int       `json:"totalBeforeFilter"`
	TotalAfterFilter  int       `json:"totalAfterFilter"`
	TotalRequests     int       `json:"totalRequests"`
	Period            Window    `json:"period"`
	LastURL           string    `json:"lastUrl,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	EndedAt           time.Time `json:"endedAt"`
	Message           string    `json:"message,omitempty"`
	RunID             uint      `json:"runId,omitempty"`
	Kind              ErrorKind `json:"kind,omitempty"`
}

// Syncer runs the page loop for one integration at a time.
type Syncer struct {
	db         *gorm.DB
	fetcher    PageFetcher
	locks      *LockManager
	tracker    *RunTracker
	writer     *SaleWriter
	normalizer *Normalizer
	gate       QualityGate
	aggregator Aggregator
	opts       Options
	validate   *validator.Validate
	logger     *logrus.Logger
	now        func() time.Time
}

type SyncerOption func(*Syncer)

func WithQualityGate(g QualityGate) SyncerOption {
	return func(s *Syncer) { s.gate = g }
}

// WithAggregator sets the post-run collaborator; nil disables aggregation.
func WithAggregator(a Aggregator) SyncerOption {
	return func(s *Syncer) { s.aggregator = a }
}

func WithClock(now func() time.Time) SyncerOption {
	return func(s *Syncer) { s.now = now }
}

func WithLogger(l *logrus.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

// WithProgressCache mirrors run progress into redis.
func WithProgressCache(c *redis.Client) SyncerOption {
	return func(s *Syncer) { s.tracker = NewRunTracker(s.db, c) }
}

func NewSyncer(db *gorm.DB, fetcher PageFetcher, opts Options, options ...SyncerOption) *Syncer {
	s := &Syncer{
		db:         db,
		fetcher:    fetcher,
		locks:      NewLockManager(db),
		tracker:    NewRunTracker(db, nil),
		writer:     NewSaleWriter(db),
		normalizer: NewNormalizer(),
		gate:       DefaultQualityGate,
		aggregator: NewDailyAggregator(db),
		opts:       opts.withDefaults(),
		validate:   validator.New(),
		logger:     logrus.StandardLogger(),
		now:        time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Syncer) Tracker() *RunTracker { return s.tracker }

// configError is a rejection found before any page was fetched.
type configError struct {
	kind ErrorKind
	msg  string
}

func (e *configError) Error() string { return e.msg }

func rejectf(kind ErrorKind, format string, args ...any) *configError {
	return &configError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// runAbort ends the page loop early and marks the run as error.
type runAbort struct {
	kind ErrorKind
	err  error
}

// Sync runs one synchronization and reports the outcome. The integration lock is
// released on every path once it has been taken.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) SyncSummary {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "salesync.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("integration_id", req.IntegrationID))

	summary := SyncSummary{StartedAt: s.now()}
	log := s.logger.WithField("integration_id", req.IntegrationID)
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		log = log.WithField("correlation_id", cid)
	}

	reject := func(kind ErrorKind, msg string) SyncSummary {
		summary.Kind = kind
		summary.Message = msg
		summary.EndedAt = s.now()
		span.SetStatus(codes.Error, msg)
		return summary
	}

	integration, storeID, window, cerr := s.prepare(ctx, req)
	if cerr != nil {
		log.WithField("kind", cerr.kind).Warn(cerr.msg)
		return reject(cerr.kind, cerr.msg)
	}
	summary.Period = window
	log = log.WithField("store_id", storeID)

	acquired, err := s.locks.Acquire(ctx, integration.ID)
	if err != nil {
		config.LogError(s.logger, "salesync", "Sync", "acquire lock", req.IntegrationID, err)
		return reject(KindStorage, err.Error())
	}
	if !acquired {
		log.Info(MessageAlreadySyncing)
		return reject(KindLockContention, MessageAlreadySyncing)
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), integration.ID); err != nil {
			config.LogError(s.logger, "salesync", "Sync", "release lock", integration.ID, err)
		}
	}()

	if strings.TrimSpace(integration.Token) == "" {
		msg := fmt.Sprintf("integration %s has no api token", integration.ID)
		log.Warn(msg)
		return reject(KindConfiguration, msg)
	}

	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredManual
	}
	run := &models.SyncRun{
		IntegrationId: integration.ID,
		StoreId:       storeID,
		TriggeredBy:   triggeredBy,
		PeriodStart:   window.Start.UTC(),
		PeriodEnd:     window.End.UTC(),
		StartedAt:     summary.StartedAt.UTC(),
	}
	if err := s.tracker.Create(ctx, run); err != nil {
		config.LogError(s.logger, "salesync", "Sync", "create run", integration.ID, err)
		return reject(KindStorage, err.Error())
	}
	summary.RunID = run.ID
	log = log.WithField("run_id", run.ID)
	span.SetAttributes(attribute.Int64("run_id", int64(run.ID)))
	log.WithFields(logrus.Fields{"start": window.StartDate(), "end": window.EndDate()}).Info("sales sync started")

	counters, abort := s.pageSafely(ctx, run, integration, storeID, window, log)

	finalCtx := context.WithoutCancel(ctx)
	endedAt := s.now()
	status, message := models.SyncRunStatusSuccess, ""
	if abort != nil {
		status, message = models.SyncRunStatusError, abort.err.Error()
	}
	if err := s.tracker.Finalize(finalCtx, run, status, counters, message, endedAt.UTC()); err != nil {
		config.LogError(s.logger, "salesync", "Sync", "finalize run", run.ID, err)
	}
	s.stampIntegration(finalCtx, integration.ID, abort == nil, endedAt, log)

	summary.Synced = counters.SyncedCount
	summary.Errors = counters.ErrorCount
	summary.TotalBeforeFilter = counters.TotalBeforeFilter
	summary.TotalAfterFilter = counters.TotalAfterFilter
	summary.TotalRequests = counters.TotalRequests
	summary.LastURL = counters.LastURL
	summary.EndedAt = endedAt

	fields := logrus.Fields{
		"requests": counters.TotalRequests,
		"synced":   counters.SyncedCount,
		"errors":   counters.ErrorCount,
	}
	if abort != nil {
		summary.Kind = abort.kind
		summary.Message = message
		span.SetStatus(codes.Error, message)
		log.WithFields(fields).WithField("kind", abort.kind).Error("sales sync aborted: " + message)
		return summary
	}

	summary.Success = true
	log.WithFields(fields).Info("sales sync finished")
	if !s.aggregate(finalCtx, run, integration.ID, storeID, window, log) {
		summary.Errors++
	}
	return summary
}

func (s *Syncer) prepare(ctx context.Context, req SyncRequest) (*models.Integration, string, Window, *configError) {
	if err := s.validate.Struct(req); err != nil {
		return nil, "", Window{}, rejectf(KindConfiguration, "invalid sync request: %v", utils.ProcessValidationErrors(err))
	}

	var integration models.Integration
	if err := s.db.WithContext(ctx).Where("id = ?", req.IntegrationID).Take(&integration).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", Window{}, rejectf(KindConfiguration, "integration %s not found", req.IntegrationID)
		}
		return nil, "", Window{}, rejectf(KindStorage, "load integration %s: %v", req.IntegrationID, err)
	}
	if integration.Type != models.IntegrationTypePOSSales {
		return nil, "", Window{}, rejectf(KindConfiguration, "integration %s has type %q, want %q", integration.ID, integration.Type, models.IntegrationTypePOSSales)
	}

	storeID := strings.TrimSpace(req.StoreID)
	if storeID == "" {
		storeID = strings.TrimSpace(integration.StoreId)
	}
	if storeID == "" {
		return nil, "", Window{}, rejectf(KindConfiguration, "integration %s has no store id", integration.ID)
	}

	var window Window
	switch {
	case req.Start.IsZero() && req.End.IsZero():
		days := req.Days
		if days <= 0 {
			days = s.opts.DefaultDays
		}
		window = ComputeTrailingWindow(s.now(), days)
	case req.Start.IsZero() || req.End.IsZero():
		return nil, "", Window{}, rejectf(KindConfiguration, "start and end must be given together")
	default:
		window = Window{Start: req.Start, End: req.End}
		if !window.Valid() {
			return nil, "", Window{}, rejectf(KindConfiguration, "start %s is after end %s", req.Start.Format(time.RFC3339), req.End.Format(time.RFC3339))
		}
	}

	if !integration.Enabled {
		s.logger.WithField("integration_id", integration.ID).Warn("integration is disabled; syncing anyway")
	}
	return &integration, storeID, window, nil
}

// pageSafely turns a panic inside the loop into an aborted run so the run is
// still finalized and the lock released.
func (s *Syncer) pageSafely(ctx context.Context, run *models.SyncRun, integration *models.Integration, storeID string, w Window, log *logrus.Entry) (c Counters, abort *runAbort) {
	defer func() {
		if r := recover(); r != nil {
			abort = &runAbort{kind: KindInternal, err: fmt.Errorf("panic during sync: %v", r)}
		}
	}()
	return s.page(ctx, run, integration, storeID, w, log)
}

func (s *Syncer) page(ctx context.Context, run *models.SyncRun, integration *models.Integration, storeID string, w Window, log *logrus.Entry) (Counters, *runAbort) {
	var (
		c           Counters
		pageIndex   int
		emptyStreak int
	)

	fail := func(code, message string, preview []byte) {
		c.ErrorCount++
		if err := s.tracker.RecordError(context.WithoutCancel(ctx), run.ID, code, message, preview); err != nil {
			config.LogError(s.logger, "salesync", "page", "record error", run.ID, err)
		}
	}
	progress := func() {
		if err := s.tracker.UpdateCounters(context.WithoutCancel(ctx), run, c); err != nil {
			config.LogError(s.logger, "salesync", "page", "update counters", run.ID, err)
		}
	}

	for offset := 0; c.TotalRequests < s.opts.MaxRequests; offset += s.opts.PageSize {
		if err := ctx.Err(); err != nil {
			return c, &runAbort{kind: KindCanceled, err: fmt.Errorf("sync canceled: %w", err)}
		}

		q := PageQuery{StoreID: storeID, Token: integration.Token, Window: w, Offset: offset, Limit: s.opts.PageSize}
		page, err := s.fetcher.FetchPage(ctx, q)
		c.TotalRequests++
		if page != nil {
			c.LastURL = page.URL
		} else if u, ok := s.fetcher.(interface{ PageURL(PageQuery) string }); ok {
			c.LastURL = u.PageURL(q)
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				progress()
				return c, &runAbort{kind: KindCanceled, err: fmt.Errorf("sync canceled: %w", ctxErr)}
			}
			fail(models.SyncErrorTransport, err.Error(), nil)
			progress()
			return c, &runAbort{kind: KindFatalUpstream, err: fmt.Errorf("request offset %d failed: %w", offset, err)}
		}

		if err := s.tracker.RecordPage(ctx, run.ID, pageIndex, page); err != nil {
			config.LogError(s.logger, "salesync", "page", "record raw page", run.ID, err)
		}
		pageIndex++

		if !page.OK() {
			msg := fmt.Sprintf("upstream returned status %d at offset %d", page.StatusCode, offset)
			fail(models.SyncErrorHTTPStatus, msg, page.Body)
			progress()
			if page.StatusCode >= 500 {
				return c, &runAbort{kind: KindFatalUpstream, err: errors.New(msg)}
			}
			log.WithFields(logrus.Fields{"status": page.StatusCode, "offset": offset}).Warn("skipping page")
			continue
		}

		records, err := ExtractRecords(page.Body)
		if err != nil {
			fail(models.SyncErrorMalformedResponse, err.Error(), page.Body)
			progress()
			return c, &runAbort{kind: KindMalformedResponse, err: fmt.Errorf("offset %d: %w", offset, err)}
		}

		if len(records) == 0 {
			emptyStreak++
			progress()
			if emptyStreak >= s.opts.EmptyPageLimit {
				log.WithField("empty_pages", emptyStreak).Info("stopping after consecutive empty pages")
				break
			}
			continue
		}
		emptyStreak = 0

		if s.gate.LooksSynthetic(records) {
			fail(models.SyncErrorSyntheticPage, fmt.Sprintf("page at offset %d looks synthetic; skipped", offset), []byte(syntheticPreview(records)))
			progress()
			continue
		}

		c.TotalBeforeFilter += len(records)
		sales := s.salesFromRecords(integration, storeID, w, records)
		c.TotalAfterFilter += len(sales)

		written, err := s.writer.UpsertBatch(ctx, sales)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				progress()
				return c, &runAbort{kind: KindCanceled, err: fmt.Errorf("sync canceled: %w", ctxErr)}
			}
			fail(models.SyncErrorWriteFailed, err.Error(), nil)
			progress()
			return c, &runAbort{kind: KindStorage, err: err}
		}
		c.SyncedCount += written
		progress()
	}

	if c.TotalRequests >= s.opts.MaxRequests {
		log.WithField("requests", c.TotalRequests).Warn("request cap reached")
	}
	return c, nil
}

func (s *Syncer) salesFromRecords(integration *models.Integration, storeID string, w Window, records []Record) []models.Sale {
	sales := make([]models.Sale, 0, len(records))
	for _, rec := range records {
		n, ok := s.normalizer.Normalize(storeID, rec)
		if !ok || !w.ContainsDate(n.SaleDate) {
			continue
		}
		sales = append(sales, models.Sale{
			ExternalId:  n.ExternalID,
			StoreId:     storeID,
			UserId:      integration.UserId,
			SaleDate:    n.SaleDate,
			TotalAmount: n.TotalAmount,
			Raw:         n.Raw,
		})
	}
	return sales
}

func (s *Syncer) stampIntegration(ctx context.Context, integrationID string, success bool, at time.Time, log *logrus.Entry) {
	updates := map[string]interface{}{"last_sync_at": at.UTC()}
	if success {
		updates["last_success_sync_at"] = at.UTC()
	}
	if err := s.db.WithContext(ctx).Model(&models.Integration{}).Where("id = ?", integrationID).Updates(updates).Error; err != nil {
		log.WithError(err).Warn("failed to stamp integration sync time")
	}
}

// aggregate is best effort: a failure is recorded against the run and counted in its
// error_count, but the run stays successful. It reports whether aggregation succeeded.
func (s *Syncer) aggregate(ctx context.Context, run *models.SyncRun, integrationID, storeID string, w Window, log *logrus.Entry) bool {
	if s.aggregator == nil {
		return true
	}
	res, err := s.aggregator.Aggregate(ctx, integrationID, storeID, w)
	if err != nil {
		log.WithError(err).Error("aggregation failed")
		if rerr := s.tracker.RecordLateError(ctx, run, models.SyncErrorAggregation, err.Error(), nil); rerr != nil {
			config.LogError(s.logger, "salesync", "aggregate", "record error", run.ID, rerr)
		}
		return false
	}
	log.WithFields(logrus.Fields{"days": res.Days, "removed": res.Removed}).Debug("daily summaries rebuilt")
	return true
}
