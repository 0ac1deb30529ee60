package salesync

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/sales_sync/models"
)

// TriggerSyncRequest is the body of POST /api/integrations/:id/sync.
// start and end accept YYYY-MM-DD (read in the POS timezone) or RFC3339.
type TriggerSyncRequest struct {
	StoreId string `json:"storeId" validate:"max=100"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Days    int    `json:"days" validate:"min=0,max=366"`
	Async   bool   `json:"async"`
}

// ToSyncRequest resolves the textual window into a SyncRequest.
func (r TriggerSyncRequest) ToSyncRequest(integrationID, triggeredBy string) (SyncRequest, error) {
	req := SyncRequest{
		IntegrationID: integrationID,
		StoreID:       strings.TrimSpace(r.StoreId),
		Days:          r.Days,
		TriggeredBy:   triggeredBy,
	}
	var err error
	if req.Start, err = parseBound(r.Start, false); err != nil {
		return req, fmt.Errorf("start: %w", err)
	}
	if req.End, err = parseBound(r.End, true); err != nil {
		return req, fmt.Errorf("end: %w", err)
	}
	return req, nil
}

func parseBound(value string, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, SyncLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID                uint    `json:"id"`
	IntegrationId     string  `json:"integrationId"`
	StoreId           string  `json:"storeId"`
	Status            string  `json:"status"`
	TriggeredBy       string  `json:"triggeredBy"`
	PeriodStart       string  `json:"periodStart"`
	PeriodEnd         string  `json:"periodEnd"`
	StartedAt         string  `json:"startedAt"`
	EndedAt           *string `json:"endedAt"`
	DurationMs        int64   `json:"durationMs"`
	TotalRequests     int     `json:"totalRequests"`
	TotalBeforeFilter int     `json:"totalBeforeFilter"`
	TotalAfterFilter  int     `json:"totalAfterFilter"`
	Synced            int     `json:"synced"`
	ErrorCount        int     `json:"errorCount"`
	LastURL           string  `json:"lastUrl,omitempty"`
	Message           string  `json:"message,omitempty"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID        uint   `json:"id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func toSyncRunResponse(run models.SyncRun) SyncRunResponse {
	resp := SyncRunResponse{
		ID:                run.ID,
		IntegrationId:     run.IntegrationId,
		StoreId:           run.StoreId,
		Status:            run.Status,
		TriggeredBy:       run.TriggeredBy,
		PeriodStart:       run.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:         run.PeriodEnd.UTC().Format(time.RFC3339),
		StartedAt:         run.StartedAt.UTC().Format(time.RFC3339),
		DurationMs:        run.DurationMs,
		TotalRequests:     run.TotalRequests,
		TotalBeforeFilter: run.TotalBeforeFilter,
		TotalAfterFilter:  run.TotalAfterFilter,
		Synced:            run.SyncedCount,
		ErrorCount:        run.ErrorCount,
		LastURL:           run.LastURL,
		Message:           run.Message,
	}
	if run.EndedAt != nil {
		s := run.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &s
	}
	return resp
}

func toSyncErrorResponse(e models.SyncError) SyncErrorResponse {
	return SyncErrorResponse{
		ID:        e.ID,
		Code:      e.Code,
		Message:   e.Message,
		Preview:   e.Preview,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncPubSubPayload is the message body of an asynchronous sync trigger.
type SyncPubSubPayload struct {
	IntegrationId string `json:"integration_id"`
	StoreId       string `json:"store_id,omitempty"`
	Start         string `json:"start,omitempty"`
	End           string `json:"end,omitempty"`
	Days          int    `json:"days,omitempty"`
	UserId        string `json:"user_id,omitempty"`
	CorrelationId string `json:"correlation_id,omitempty"`
}

func (p SyncPubSubPayload) toSyncRequest() (SyncRequest, error) {
	return TriggerSyncRequest{StoreId: p.StoreId, Start: p.Start, End: p.End, Days: p.Days}.
		ToSyncRequest(p.IntegrationId, models.SyncTriggeredPubSub)
}
