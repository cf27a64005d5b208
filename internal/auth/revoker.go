package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const revocationChannel = "core:sessions:revoked"

// Revoker fans revocations out to every core sharing the session space.
type Revoker interface {
	// Broadcast announces that the token ID is no longer valid.
	Broadcast(ctx context.Context, tokenID string) error
	Close() error
}

// noopRevoker is the single-core fallback when no Redis address is
// configured. Local revocation already took effect before Broadcast is
// called, so there is nothing to do.
type noopRevoker struct{}

func (noopRevoker) Broadcast(ctx context.Context, tokenID string) error { return nil }
func (noopRevoker) Close() error                                        { return nil }

// NewNoopRevoker returns the in-process fallback revoker.
func NewNoopRevoker() Revoker {
	return noopRevoker{}
}

// redisRevoker publishes revocations over Redis Pub/Sub and applies
// revocations published by peers.
type redisRevoker struct {
	rdb    *redis.Client
	sub    *redis.PubSub
	logger *slog.Logger
}

// NewRedisRevoker connects to Redis and subscribes to the shared revocation
// channel. onRevoke runs for every remotely revoked token ID.
func NewRedisRevoker(addr string, onRevoke func(tokenID string), logger *slog.Logger) (Revoker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth.revoker")

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	sub := rdb.Subscribe(context.Background(), revocationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		rdb.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", revocationChannel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			if onRevoke != nil {
				onRevoke(msg.Payload)
			}
		}
	}()

	logger.Info("Session revocation fan-out connected", "addr", addr)
	return &redisRevoker{rdb: rdb, sub: sub, logger: logger}, nil
}

func (r *redisRevoker) Broadcast(ctx context.Context, tokenID string) error {
	if err := r.rdb.Publish(ctx, revocationChannel, tokenID).Err(); err != nil {
		r.logger.Warn("Revocation broadcast failed", "token_id", tokenID, "error", err)
		return err
	}
	return nil
}

func (r *redisRevoker) Close() error {
	r.sub.Close()
	return r.rdb.Close()
}
