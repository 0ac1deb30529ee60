package config

import (
	"context"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB returns nil when redis is not configured.
func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// SetRedisClient installs a client (and its lock client) without dialing.
func SetRedisClient(client *redis.Client) {
	rdb = client
	if client == nil {
		locker = nil
		return
	}
	locker = redislock.New(client)
}

// ConnectRedisWithRetry dials REDIS_ADDRESS until it answers PING or ctx ends.
// On give-up the globals stay nil and callers run without the cache and the scheduler lock.
func ConnectRedisWithRetry(ctx context.Context) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	entry := logg.WithField("addr", addr)

	for attempt := 1; ; attempt++ {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
			PoolSize: 20,
		})
		err := client.Ping(ctx).Err()
		if err == nil {
			SetRedisClient(client)
			entry.WithField("attempt", attempt).Info("connected to redis")
			return
		}
		_ = client.Close()

		wait := min(time.Duration(1<<min(attempt, 5))*time.Second, 30*time.Second)
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("failed to connect redis")
		select {
		case <-ctx.Done():
			entry.WithError(ctx.Err()).Warn("giving up on redis")
			return
		case <-time.After(wait):
		}
	}
}
