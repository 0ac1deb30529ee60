package salesync

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/sales_sync/models"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// RegisterRoutes mounts the sync API and the Pub/Sub push endpoint.
func RegisterRoutes(r gin.IRouter, s *Syncer, serviceToken string) {
	api := r.Group("/api", ServiceTokenMiddleware(serviceToken), OwnerMiddleware())
	api.POST("/integrations/:id/sync", TriggerSyncHandler(s))
	api.GET("/integrations/:id/sync-runs", SyncHistoryHandler(s))
	api.GET("/sync-runs/:id", SyncRunDetailHandler(s))
	api.GET("/sync-runs/:id/progress", SyncRunProgressHandler(s))

	r.POST("/pubsub/sales-sync", PubSubPushHandler(s))
}

// ServiceTokenMiddleware checks the bearer token when one is configured.
func ServiceTokenMiddleware(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[7:])), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// OwnerMiddleware puts the caller's x-user-id into the request context so the
// owner guard scopes every query to that user.
func OwnerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId := strings.TrimSpace(c.GetHeader("x-user-id"))
		if userId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(utils.SetUserIdInContext(c.Request.Context(), userId))
		c.Next()
	}
}

// StatusForSummary maps a summary to the HTTP status returned to the dashboard.
func StatusForSummary(summary SyncSummary) int {
	if summary.Success {
		return http.StatusOK
	}
	switch summary.Kind {
	case KindLockContention:
		return http.StatusConflict
	case KindConfiguration:
		return http.StatusUnprocessableEntity
	case KindStorage, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func TriggerSyncHandler(s *Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		integrationId := strings.TrimSpace(c.Param("id"))

		var body TriggerSyncRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		if err := s.validate.Struct(body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		req, err := body.ToSyncRequest(integrationId, models.SyncTriggeredManual)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if body.Async {
			userId, _ := utils.GetUserIdFromContext(c.Request.Context())
			msgId, err := PublishSyncRequest(c.Request.Context(), SyncPubSubPayload{
				IntegrationId: integrationId,
				StoreId:       body.StoreId,
				Start:         body.Start,
				End:           body.End,
				Days:          body.Days,
				UserId:        userId,
			})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true, "messageId": msgId})
			return
		}

		summary := s.Sync(c.Request.Context(), req)
		c.JSON(StatusForSummary(summary), summary)
	}
}

func SyncHistoryHandler(s *Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		integrationId := strings.TrimSpace(c.Param("id"))
		db := s.db.WithContext(c.Request.Context())

		// Owner scoping applies to integrations, so this proves the caller owns it.
		var integration models.Integration
		if err := db.Select("id").Where("id = ?", integrationId).Take(&integration).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "integration not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		limit := defaultHistoryLimit
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		var runs []models.SyncRun
		if err := db.Where("integration_id = ?", integrationId).Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, toSyncRunResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler(s *Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := loadOwnedRun(c, s.db)
		if !ok {
			return
		}

		var errs []models.SyncError
		if err := s.db.WithContext(c.Request.Context()).Where("sync_run_id = ?", run.ID).Order("id").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := SyncRunDetailResponse{SyncRunResponse: toSyncRunResponse(*run), Errors: make([]SyncErrorResponse, 0, len(errs))}
		for _, e := range errs {
			resp.Errors = append(resp.Errors, toSyncErrorResponse(e))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func SyncRunProgressHandler(s *Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := loadOwnedRun(c, s.db)
		if !ok {
			return
		}
		progress, err := s.tracker.GetRunProgress(c.Request.Context(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

// loadOwnedRun resolves :id to a run whose integration belongs to the caller.
// It writes the error response itself.
func loadOwnedRun(c *gin.Context, db *gorm.DB) (*models.SyncRun, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return nil, false
	}
	tx := db.WithContext(c.Request.Context())

	var run models.SyncRun
	if err := tx.First(&run, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}

	var integration models.Integration
	if err := tx.Select("id").Where("id = ?", run.IntegrationId).Take(&integration).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return &run, true
}
