package cache

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"reservation-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/claim_reservation.lua
var claimReservationScript string

//go:embed scripts/release_active.lua
var releaseActiveScript string

//go:embed scripts/transfer_owner.lua
var transferOwnerScript string

// RedisCache is the Redis-backed Cache
type RedisCache struct {
	rdb            *redis.Client
	claimScript    *redis.Script
	releaseScript  *redis.Script
	transferScript *redis.Script
}

// NewRedisCache creates a new Redis client with Lua scripts loaded
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisCacheFromClient(rdb), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(rdb *redis.Client) *RedisCache {
	return &RedisCache{
		rdb:            rdb,
		claimScript:    redis.NewScript(claimReservationScript),
		releaseScript:  redis.NewScript(releaseActiveScript),
		transferScript: redis.NewScript(transferOwnerScript),
	}
}

// GetClient returns the underlying Redis client
func (c *RedisCache) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// AcquireActive claims the caller's active reservation slot
func (c *RedisCache) AcquireActive(ctx context.Context, callerID, reservationID string, ttl time.Duration) (bool, error) {
	if err := positiveTTL("active", ttl); err != nil {
		return false, err
	}
	ok, err := c.rdb.SetNX(ctx, ActiveKey(callerID), reservationID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire active reservation key: %w", err)
	}
	return ok, nil
}

// ReleaseActive frees the caller's slot if this reservation still owns it
func (c *RedisCache) ReleaseActive(ctx context.Context, callerID, reservationID string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{ActiveKey(callerID)}, reservationID).Err(); err != nil {
		return fmt.Errorf("release active script failed: %w", err)
	}
	return nil
}

// ActiveReservationID returns the reservation currently held by the caller, or ""
func (c *RedisCache) ActiveReservationID(ctx context.Context, callerID string) (string, error) {
	id, err := c.rdb.Get(ctx, ActiveKey(callerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// SaveReservation stores record, active key and index entry in one MULTI/EXEC
func (c *RedisCache) SaveReservation(ctx context.Context, r *models.Reservation, recordTTL, activeTTL time.Duration) error {
	if err := positiveTTL("record", recordTTL); err != nil {
		return err
	}
	if err := positiveTTL("active", activeTTL); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ReservationKey(r.ID), data, recordTTL)
		pipe.Set(ctx, ActiveKey(r.CallerID), r.ID, activeTTL)
		pipe.ZAdd(ctx, expiryIndexKey, &redis.Z{Score: expiryScore(r.ExpiresAt), Member: r.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

// GetReservation loads a reservation record
func (c *RedisCache) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	data, err := c.rdb.Get(ctx, ReservationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return decodeReservation(data)
}

// UpdateReservation rewrites an existing record (SET XX)
func (c *RedisCache) UpdateReservation(ctx context.Context, r *models.Reservation, recordTTL time.Duration) error {
	if err := positiveTTL("record", recordTTL); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}
	ok, err := c.rdb.SetXX(ctx, ReservationKey(r.ID), data, recordTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if !ok {
		return ErrReservationGone
	}
	return nil
}

// TransferOwnership hands a guest reservation to an authenticated caller
func (c *RedisCache) TransferOwnership(ctx context.Context, r *models.Reservation, previousCallerID string, recordTTL, activeTTL time.Duration) error {
	if err := positiveTTL("record", recordTTL); err != nil {
		return err
	}
	if err := positiveTTL("active", activeTTL); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	keys := []string{ReservationKey(r.ID), ActiveKey(previousCallerID), ActiveKey(r.CallerID)}
	code, err := c.transferScript.Run(ctx, c.rdb, keys,
		r.ID, data, activeTTL.Milliseconds(), recordTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("transfer owner script failed: %w", err)
	}

	switch code {
	case 1:
		return nil
	case 0:
		return ErrReservationGone
	case -1:
		return ErrActiveReservationExists
	default:
		return fmt.Errorf("unexpected transfer script result: %d", code)
	}
}

// ClaimReservation removes the reservation atomically and returns it to the winner
func (c *RedisCache) ClaimReservation(ctx context.Context, id string) (*models.Reservation, error) {
	keys := []string{ReservationKey(id), expiryIndexKey}
	data, err := c.claimScript.Run(ctx, c.rdb, keys, id, activeKeyPrefix).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim reservation script failed: %w", err)
	}
	return decodeReservation([]byte(data))
}

// RestoreReservation re-inserts a claimed reservation; the active key is only set if free
func (c *RedisCache) RestoreReservation(ctx context.Context, r *models.Reservation, recordTTL, activeTTL time.Duration) error {
	if err := positiveTTL("record", recordTTL); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, ReservationKey(r.ID), data, recordTTL)
		pipe.ZAdd(ctx, expiryIndexKey, &redis.Z{Score: expiryScore(r.ExpiresAt), Member: r.ID})
		if activeTTL > 0 {
			pipe.SetNX(ctx, ActiveKey(r.CallerID), r.ID, activeTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore reservation: %w", err)
	}
	return nil
}

// DueReservations returns ids whose expiry is at or before now, oldest first
func (c *RedisCache) DueReservations(ctx context.Context, now time.Time, offset, limit int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatFloat(expiryScore(now), 'f', 0, 64),
		Offset: offset,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to range expiry index: %w", err)
	}
	return ids, nil
}

// RemoveFromIndex drops an expiry index entry
func (c *RedisCache) RemoveFromIndex(ctx context.Context, id string) error {
	return c.rdb.ZRem(ctx, expiryIndexKey, id).Err()
}

// GetIdempotency loads a stored response, nil if the token is unknown
func (c *RedisCache) GetIdempotency(ctx context.Context, token string) (*models.IdempotencyRecord, error) {
	data, err := c.rdb.Get(ctx, IdempotencyKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	var rec models.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

// SaveIdempotency stores an idempotency key with TTL
func (c *RedisCache) SaveIdempotency(ctx context.Context, token string, record *models.IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	return c.rdb.Set(ctx, IdempotencyKey(token), data, ttl).Err()
}

// AcquireLock acquires a distributed lock and returns the token that owns it
func (c *RedisCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, LockKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *RedisCache) ReleaseLock(ctx context.Context, name, token string) error {
	if err := c.releaseScript.Run(ctx, c.rdb, []string{LockKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

func decodeReservation(data []byte) (*models.Reservation, error) {
	var r models.Reservation
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode reservation: %w", err)
	}
	return &r, nil
}
