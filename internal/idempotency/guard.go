package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"reservation-service/internal/cache"
	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"go.uber.org/zap"
)

// ErrInProgress is returned when another request holding the same token has not finished yet
var ErrInProgress = errors.New("a request with this idempotency key is already in progress")

const (
	DefaultTTL     = 24 * time.Hour
	DefaultLockTTL = 30 * time.Second
)

// Operation runs the guarded request and returns its response snapshot
type Operation func(ctx context.Context) (*models.IdempotencyRecord, error)

// Guard replays the stored response of a token instead of running the operation again
type Guard struct {
	cache   cache.Cache
	ttl     time.Duration
	lockTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewGuard creates a new idempotency guard
func NewGuard(c cache.Cache, ttl, lockTTL time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Guard{
		cache:   c,
		ttl:     ttl,
		lockTTL: lockTTL,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

func lockName(token string) string {
	return "idempotency:" + token
}

// Execute runs op at most once per token. The returned bool reports a replay.
// Responses with a 5xx status are not stored so the client can retry them.
func (g *Guard) Execute(ctx context.Context, token string, op Operation) (*models.IdempotencyRecord, bool, error) {
	if token == "" {
		rec, err := op(ctx)
		return rec, false, err
	}

	ctx, span := util.StartSpan(ctx, "Guard.Execute")
	defer span.End()

	if rec, err := g.lookup(ctx, token); err != nil || rec != nil {
		return rec, rec != nil, err
	}

	lockToken, locked, err := g.cache.AcquireLock(ctx, lockName(token), g.lockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire idempotency lock: %w", err)
	}
	if !locked {
		// the holder may have finished between the lookup and the lock attempt
		if rec, err := g.lookup(ctx, token); err != nil || rec != nil {
			return rec, rec != nil, err
		}
		util.IdempotencyConflictsTotal.Inc()
		return nil, false, ErrInProgress
	}
	defer func() {
		if err := g.cache.ReleaseLock(context.WithoutCancel(ctx), lockName(token), lockToken); err != nil {
			g.logger.Warn("Failed to release idempotency lock", zap.String("token", token), zap.Error(err))
		}
	}()

	if rec, err := g.lookup(ctx, token); err != nil || rec != nil {
		return rec, rec != nil, err
	}

	rec, err := op(ctx)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.StatusCode >= http.StatusInternalServerError {
		return rec, false, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = g.now()
	}
	if err := g.cache.SaveIdempotency(context.WithoutCancel(ctx), token, rec, g.ttl); err != nil {
		g.logger.Error("Failed to store idempotent response",
			zap.String("token", token),
			zap.Int("status", rec.StatusCode),
			zap.Error(err))
	}
	return rec, false, nil
}

func (g *Guard) lookup(ctx context.Context, token string) (*models.IdempotencyRecord, error) {
	rec, err := g.cache.GetIdempotency(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	if rec != nil {
		util.IdempotencyReplaysTotal.Inc()
		g.logger.Info("Replaying idempotent response",
			zap.String("token", token),
			zap.Int("status", rec.StatusCode))
	}
	return rec, nil
}
