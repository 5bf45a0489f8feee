package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultLeaderKey = "mailflow:scheduler:leader"
	DefaultLeaderTTL = 90 * time.Second
)

// renewScript extends the lock only if this instance still owns it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader is a TTL lock in Redis that elects one scheduler among many
// processes. The TTL must exceed the scheduler tick so the owner renews
// before expiry.
type Leader struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
	logger     zerolog.Logger

	mu   sync.Mutex
	held bool
}

func NewLeader(client *redis.Client, key, instanceID string, ttl time.Duration) *Leader {
	return &Leader{
		client:     client,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     log.With().Str("component", "leader").Str("instance_id", instanceID).Logger(),
	}
}

// IsLeader acquires the lock if it is free or renews it if this instance
// holds it. Redis errors count as not leading.
func (l *Leader) IsLeader(ctx context.Context) bool {
	ok := l.acquireOrRenew(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if ok != l.held {
		if ok {
			l.logger.Info().Msg("acquired scheduler leadership")
		} else {
			l.logger.Warn().Msg("lost scheduler leadership")
		}
		l.held = ok
	}
	return ok
}

func (l *Leader) acquireOrRenew(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error().Err(err).Msg("leader election SetNX")
		return false
	}
	if ok {
		return true
	}

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error().Err(err).Msg("leader renewal")
		return false
	}
	return res == 1
}

// Release gives up the lock if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err()
}
