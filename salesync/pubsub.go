package salesync

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/sales_sync/config"
	"bitbucket.org/mmdatafocus/sales_sync/utils"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func syncTopic() string {
	return utils.EnvString("SALES_SYNC_TOPIC", "sales-sync")
}

// PublishSyncRequest queues a sync on Pub/Sub and returns the message id.
func PublishSyncRequest(ctx context.Context, payload SyncPubSubPayload) (string, error) {
	client, err := config.GetClient(ctx)
	if err != nil {
		return "", err
	}

	topicName := syncTopic()
	topic := client.Topic(topicName)
	if utils.EnvBoolDefault("SALES_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return "", err
		}
	}

	if payload.CorrelationId == "" {
		payload.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	return res.Get(ctx)
}

// PubSubPushHandler runs a sync for each pushed message. It always answers 204 so
// Pub/Sub does not redeliver poison messages; the run record carries the outcome.
func PubSubPushHandler(s *Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBoolDefault("ENABLE_SALES_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			s.logger.WithError(err).Warn("dropping undecodable pubsub envelope")
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil || strings.TrimSpace(payload.IntegrationId) == "" {
			s.logger.WithField("message_id", envelope.Message.ID).Warn("dropping invalid sales sync payload")
			c.Status(204)
			return
		}

		req, err := payload.toSyncRequest()
		if err != nil {
			s.logger.WithError(err).WithField("message_id", envelope.Message.ID).Warn("dropping sales sync payload with bad window")
			c.Status(204)
			return
		}

		// Messages published on behalf of a user stay scoped to that user.
		ctx := c.Request.Context()
		if payload.UserId != "" {
			ctx = utils.SetUserIdInContext(ctx, payload.UserId)
		} else {
			ctx = utils.SetSkipOwnerScopeInContext(ctx, true)
		}
		if payload.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
		}
		summary := s.Sync(ctx, req)
		s.logger.WithFields(logrus.Fields{
			"message_id":     envelope.Message.ID,
			"integration_id": payload.IntegrationId,
			"success":        summary.Success,
			"run_id":         summary.RunID,
		}).Info("pubsub sales sync handled")
		c.Status(204)
	}
}
