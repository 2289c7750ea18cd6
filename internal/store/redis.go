// Package store provides SessionStore implementations: redis-backed
// for deployments, in-memory for tests and single-node use.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchardlive/callkit/internal/domain"
)

const (
	callKeyPrefix    = "callkit:call:"
	channelKeyPrefix = "callkit:channel:"

	// archiveTTL keeps terminal records around for history queries
	// without growing the keyspace forever.
	archiveTTL = 24 * time.Hour
)

// Redis persists CallSession records as JSON, with a per-channel active
// index enforcing the one-active-call-per-channel invariant.
type Redis struct {
	client *redis.Client
}

var _ domain.SessionStore = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Create(ctx context.Context, s *domain.CallSession) error {
	// Claim the channel first: SETNX is the invariant.
	claimed, err := r.client.SetNX(ctx, channelKeyPrefix+s.Channel, s.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim channel %s: %w", s.Channel, err)
	}
	if !claimed {
		return fmt.Errorf("%w: channel %s has an active call", domain.ErrChannelBusy, s.Channel)
	}

	if err := r.write(ctx, s, 0); err != nil {
		r.client.Del(ctx, channelKeyPrefix+s.Channel)
		return err
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.CallSession, error) {
	data, err := r.client.Get(ctx, callKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}
	var s domain.CallSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal call %s: %w", id, err)
	}
	return &s, nil
}

func (r *Redis) UpdateStatus(ctx context.Context, id string, status domain.CallStatus, reason string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrCallOver, id, s.Status)
	}

	s.Status = status
	s.Reason = reason

	var ttl time.Duration
	if status.Terminal() {
		s.EndedAt = time.Now().UTC()
		ttl = archiveTTL
	}
	if err := r.write(ctx, s, ttl); err != nil {
		return err
	}

	if status.Terminal() {
		// Release the channel, but only if this call still owns it.
		owner, err := r.client.Get(ctx, channelKeyPrefix+s.Channel).Result()
		if err == nil && owner == id {
			r.client.Del(ctx, channelKeyPrefix+s.Channel)
		}
	}
	return nil
}

func (r *Redis) ActiveOnChannel(ctx context.Context, channel string) (*domain.CallSession, error) {
	id, err := r.client.Get(ctx, channelKeyPrefix+channel).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", channel, err)
	}
	s, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrCallNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, nil
	}
	return s, nil
}

func (r *Redis) write(ctx context.Context, s *domain.CallSession, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal call %s: %w", s.ID, err)
	}
	if err := r.client.Set(ctx, callKeyPrefix+s.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("write call %s: %w", s.ID, err)
	}
	return nil
}
