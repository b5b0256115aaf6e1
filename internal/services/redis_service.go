package services

import (
	"context"
	"dealflow-pipeline/internal/config"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix    = "dealflow:lock:"
	lockPollInterval = 50 * time.Millisecond
	streamBlock      = 5 * time.Second
	streamBatch      = 10
)

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisService owns the Redis client shared by the identity locker and the
// observation stream.
type RedisService struct {
	client *redis.Client
	logger *logger.Logger
	config config.RedisConfig
}

func NewRedisService(config config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	opt, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	configureRedisOptions(opt, config)

	service := &RedisService{
		client: redis.NewClient(opt),
		logger: log,
		config: config,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.WithFields(logger.Fields{
		"pool_size": config.PoolSize,
		"stream":    config.Stream,
		"group":     config.Group,
	}).Info("Redis service initialized")

	return service, nil
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	opt.PoolSize = cfg.PoolSize
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout
	opt.DialTimeout = cfg.DialTimeout
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return service.client.Ping(ctx).Err()
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection unhealthy: %w", err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis service")
	return service.client.Close()
}

// RedisLocker is the cross-replica IdentityLocker: SET NX PX with a random
// token, released by a compare-and-delete script. The TTL bounds how long a
// crashed holder can block an identity.
type RedisLocker struct {
	redis *RedisService
	ttl   time.Duration
}

func NewRedisLocker(service *RedisService) *RedisLocker {
	ttl := service.config.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{redis: service, ttl: ttl}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := lockKeyPrefix + key
	token := uuid.New().String()
	startTime := time.Now()

	for {
		ok, err := l.redis.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, models.WrapTimeoutError("identity_lock", ctx.Err())
			}
			l.redis.logger.LogService("redis", "lock", time.Since(startTime), map[string]interface{}{
				"key": lockKey,
			}, err)
			return nil, models.NewExternalError("REDIS_LOCK_FAILED", "Failed to acquire identity lock").WithCause(err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return nil, models.WrapTimeoutError("identity_lock", ctx.Err())
		}
	}

	return func() {
		// Release must not depend on the caller's possibly expired context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, l.redis.client, []string{lockKey}, token).Err(); err != nil {
			l.redis.logger.WithFields(logger.Fields{
				"key":   lockKey,
				"error": err.Error(),
			}).Warn("Failed to release identity lock, it will lapse at TTL")
		}
	}, nil
}

// RedisStreamQueue is an ObservationQueue backed by a Redis stream and a
// consumer group. Messages are acknowledged only when the handler succeeds.
// A failed message stays pending until another read of the consumer's
// backlog or an idle reclaim delivers it again, and is acked as dead once it
// has been delivered more than maxDeliveries times.
type RedisStreamQueue struct {
	redis  *RedisService
	stream string
	group  string
	maxLen int64

	block         time.Duration
	claimMinIdle  time.Duration
	claimInterval time.Duration
	maxDeliveries int64
}

func NewRedisStreamQueue(ctx context.Context, service *RedisService) (*RedisStreamQueue, error) {
	cfg := service.config
	q := &RedisStreamQueue{
		redis:         service,
		stream:        cfg.Stream,
		group:         cfg.Group,
		maxLen:        cfg.StreamMaxLen,
		block:         streamBlock,
		claimMinIdle:  cfg.ClaimMinIdle,
		claimInterval: cfg.ClaimInterval,
		maxDeliveries: cfg.MaxDeliveries,
	}
	if q.claimMinIdle <= 0 {
		q.claimMinIdle = time.Minute
	}
	if q.claimInterval <= 0 {
		q.claimInterval = 30 * time.Second
	}
	if q.maxDeliveries <= 0 {
		q.maxDeliveries = 5
	}

	err := service.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, models.NewExternalError("REDIS_GROUP_FAILED", "Failed to create consumer group").WithCause(err)
	}
	return q, nil
}

func (q *RedisStreamQueue) Enqueue(ctx context.Context, obs models.RawObservation) error {
	startTime := time.Now()
	payload, err := json.Marshal(obs)
	if err != nil {
		return models.NewInternalError("SERIALIZATION_FAILED", "Failed to serialize observation").WithCause(err)
	}

	id, err := q.redis.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"observation_id": obs.ID,
			"observation":    string(payload),
		},
	}).Result()

	q.redis.logger.LogService("redis", "enqueue_observation", time.Since(startTime), map[string]interface{}{
		"observation_id": obs.ID,
		"message_id":     id,
	}, err)
	if err != nil {
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "Failed to enqueue observation").WithCause(err)
	}
	return nil
}

// Consume walks this consumer's pending backlog once, then reads new
// messages. Every claimInterval it reclaims entries that have sat pending
// for claimMinIdle, its own failures included.
func (q *RedisStreamQueue) Consume(ctx context.Context, consumer string, handle ObservationHandler) error {
	cursor := "0"
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastClaim) >= q.claimInterval {
			q.reclaim(ctx, consumer, handle)
			lastClaim = time.Now()
		}

		streams, err := q.redis.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, cursor},
			Count:    streamBatch,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.redis.logger.WithFields(logger.Fields{
				"consumer": consumer,
				"error":    err.Error(),
			}).Warn("Failed to read observation stream")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		var last string
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				last = msg.ID
				q.deliver(ctx, consumer, msg, cursor != ">", handle)
			}
		}

		// The backlog is read past each message once; a failure there waits
		// for reclaim rather than being re-read in a tight loop.
		if cursor != ">" {
			if last == "" {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

// reclaim takes over pending entries idle for at least claimMinIdle, from any
// consumer in the group, and delivers them again.
func (q *RedisStreamQueue) reclaim(ctx context.Context, consumer string, handle ObservationHandler) {
	start := "0-0"
	for {
		msgs, next, err := q.redis.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			MinIdle:  q.claimMinIdle,
			Start:    start,
			Count:    streamBatch,
			Consumer: consumer,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.redis.logger.WithFields(logger.Fields{
					"consumer": consumer,
					"error":    err.Error(),
				}).Warn("Failed to reclaim pending observations")
			}
			return
		}

		for _, msg := range msgs {
			q.deliver(ctx, consumer, msg, true, handle)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (q *RedisStreamQueue) deliver(ctx context.Context, consumer string, msg redis.XMessage, redelivery bool, handle ObservationHandler) {
	raw, _ := msg.Values["observation"].(string)
	var obs models.RawObservation
	if err := json.Unmarshal([]byte(raw), &obs); err != nil {
		q.redis.logger.WithFields(logger.Fields{
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Warn("Dropping malformed observation message")
		q.ack(msg.ID)
		return
	}

	if redelivery {
		if count := q.deliveryCount(ctx, msg.ID); count > q.maxDeliveries {
			q.redis.logger.WithFields(logger.Fields{
				"message_id":     msg.ID,
				"observation_id": obs.ID,
				"consumer":       consumer,
				"deliveries":     count,
			}).Error("Observation exceeded its delivery limit, dropping as dead")
			q.ack(msg.ID)
			return
		}
	}

	if err := handle(ctx, obs); err != nil {
		q.redis.logger.WithFields(logger.Fields{
			"message_id":     msg.ID,
			"observation_id": obs.ID,
			"consumer":       consumer,
			"error":          err.Error(),
		}).Warn("Observation left pending for redelivery")
		return
	}
	q.ack(msg.ID)
}

// deliveryCount reports how many times the group has delivered id. A lookup
// failure reports zero so the message is still handled.
func (q *RedisStreamQueue) deliveryCount(ctx context.Context, id string) int64 {
	pending, err := q.redis.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 0
	}
	return pending[0].RetryCount
}

func (q *RedisStreamQueue) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.redis.client.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.redis.logger.WithFields(logger.Fields{
			"message_id": id,
			"error":      err.Error(),
		}).Warn("Failed to acknowledge observation message")
	}
}

func (q *RedisStreamQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.redis.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, models.NewExternalError("REDIS_LEN_FAILED", "Failed to read stream length").WithCause(err)
	}
	return n, nil
}

// Close is a no-op; the client is closed by RedisService.
func (q *RedisStreamQueue) Close() error {
	return nil
}
