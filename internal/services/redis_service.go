package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"realtime-service/internal/database"

	"github.com/redis/go-redis/v9"
)

// RedisService persists presence state and backs the REST rate limiter. It
// implements realtime.PresenceStore.
type RedisService struct {
	client *database.RedisClient
}

func NewRedisService(client *database.RedisClient) *RedisService {
	return &RedisService{client: client}
}

// =============================================================================
// User Presence
// =============================================================================

func (r *RedisService) SetUserOnline(ctx context.Context, userID string) error {
	pipe := r.client.GetClient().Pipeline()

	pipe.SAdd(ctx, "online_users", userID)
	pipe.HSet(ctx, fmt.Sprintf("user:%s:status", userID), map[string]interface{}{
		"status":     "online",
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, fmt.Sprintf("user:%s:status", userID), 5*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to set user online", "userID", userID, "error", err)
		return err
	}

	slog.Debug("User set to online", "userID", userID)
	return nil
}

func (r *RedisService) SetUserOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := r.client.GetClient().Pipeline()

	pipe.SRem(ctx, "online_users", userID)
	pipe.HSet(ctx, fmt.Sprintf("user:%s:status", userID), map[string]interface{}{
		"status":     "offline",
		"last_seen":  lastSeen.Unix(),
		"updated_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, fmt.Sprintf("user:%s:status", userID), 24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Failed to set user offline", "userID", userID, "error", err)
		return err
	}

	slog.Debug("User set to offline", "userID", userID, "lastSeen", lastSeen)
	return nil
}

func (r *RedisService) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	return r.client.GetClient().SIsMember(ctx, "online_users", userID).Result()
}

func (r *RedisService) GetOnlineUsers(ctx context.Context) ([]string, error) {
	return r.client.GetClient().SMembers(ctx, "online_users").Result()
}

// LastSeen returns the persisted last-seen timestamp, or nil when the user
// has no recorded status.
func (r *RedisService) LastSeen(ctx context.Context, userID string) (*time.Time, error) {
	raw, err := r.client.GetClient().HGet(ctx, fmt.Sprintf("user:%s:status", userID), "last_seen").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt last_seen for user %s: %w", userID, err)
	}
	t := time.Unix(unix, 0)
	return &t, nil
}

// =============================================================================
// Rate Limiting
// =============================================================================

func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window).Unix()

	pipe := r.client.GetClient().Pipeline()

	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart))
	pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, window)

	results, err := pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	count := results[1].(*redis.IntCmd).Val()
	return count < int64(limit), nil
}
