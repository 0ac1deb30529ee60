package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const pubsubInitAttempts = 3

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// PubSubSettings is read from the environment on first use.
type PubSubSettings struct {
	ProjectID       string
	CredentialsJSON string
}

// PubSubSettingsFromEnv prefers PUBSUB_PROJECT_ID, then the project variables
// Cloud Run and Cloud Functions set.
func PubSubSettingsFromEnv() PubSubSettings {
	s := PubSubSettings{CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON")}
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(key); v != "" {
			s.ProjectID = v
			break
		}
	}
	return s
}

func (s PubSubSettings) clientOptions() []option.ClientOption {
	if s.CredentialsJSON == "" {
		// Application Default Credentials.
		return nil
	}
	return []option.ClientOption{option.WithCredentialsJSON([]byte(s.CredentialsJSON))}
}

// GetClient returns the shared Pub/Sub client, creating it on first use.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	c, err := newPubSubClient(ctx, PubSubSettingsFromEnv())
	if err != nil {
		return nil, err
	}
	pubsubClient = c
	return c, nil
}

func newPubSubClient(ctx context.Context, s PubSubSettings) (*pubsub.Client, error) {
	if s.ProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	entry := logg.WithField("project_id", s.ProjectID)

	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, s.ProjectID, s.clientOptions()...)
		if err == nil {
			entry.WithField("attempt", attempt).Info("pubsub client ready")
			return c, nil
		}
		if attempt >= pubsubInitAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("init pubsub client (project_id=%s): %w", s.ProjectID, err)
		}

		wait := time.Duration(1<<attempt) * time.Second
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("pubsub client init failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// CreateTopicIfNotExists returns the topic, creating it when missing.
func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topic, err)
	}
	if exists {
		return t, nil
	}
	if t, err = c.CreateTopic(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func ClosePubSub() {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}
