package worker

import (
	"context"
	"fmt"
	"time"

	"reservation-service/internal/cache"
	"reservation-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize = 200
	sweepLockName    = "expiry-sweeper"
	maxPagesPerPass  = 50
)

// Releaser releases the stock of one timed-out reservation
type Releaser interface {
	ReleaseExpired(ctx context.Context, reservationID string) (bool, error)
}

// SweepResult summarizes one pass
type SweepResult struct {
	Scanned  int
	Released int
	Skipped  int
	Failed   int
}

// Sweeper periodically releases reservations whose hold has timed out
type Sweeper struct {
	cache     cache.Cache
	releaser  Releaser
	batchSize int64
	lockTTL   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a new expiry sweeper
func NewSweeper(c cache.Cache, releaser Releaser, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{
		cache:     c,
		releaser:  releaser,
		batchSize: int64(batchSize),
		lockTTL:   time.Minute,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// SetClock replaces the time source
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// RunOnce sweeps every reservation due at the current instant. A failing reservation
// is logged and counted; it never stops the rest of the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "Sweeper.RunOnce")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	var result SweepResult
	now := s.now()

	// offset counts index entries ahead of the next page that this pass has already
	// handled and left in place. Failed releases are restored with their old score, so
	// without it a page full of failures would hide every healthy entry behind it.
	var offset int64
	seen := make(map[string]struct{})

	for page := 0; page < maxPagesPerPass; page++ {
		ids, err := s.cache.DueReservations(ctx, now, offset, s.batchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list due reservations")
			return result, fmt.Errorf("failed to list due reservations: %w", err)
		}

		fresh := 0
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				offset++
				continue
			}
			seen[id] = struct{}{}
			fresh++

			result.Scanned++
			ok, err := s.sweepOne(ctx, id)
			switch {
			case err != nil:
				offset++
				result.Failed++
				util.SweepReservationsTotal.WithLabelValues("failed").Inc()
				s.logger.Error("Failed to release expired reservation",
					zap.String("reservation_id", id),
					zap.Error(err))
			case ok:
				result.Released++
				util.SweepReservationsTotal.WithLabelValues("released").Inc()
			default:
				// skipped entries may or may not stay indexed; if they do, the next page
				// returns them again and they are counted into offset there
				result.Skipped++
				util.SweepReservationsTotal.WithLabelValues("skipped").Inc()
			}
		}

		if fresh == 0 || int64(len(ids)) < s.batchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.scanned", result.Scanned),
		attribute.Int("sweep.released", result.Released),
		attribute.Int("sweep.failed", result.Failed),
	)
	if result.Scanned > 0 {
		s.logger.Info("Expiry sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("released", result.Released),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id string) (released bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while releasing reservation: %v", p)
		}
	}()
	return s.releaser.ReleaseExpired(ctx, id)
}

// Start runs a pass every interval until ctx is cancelled. With several instances
// running, a cache lock lets only one of them sweep at a time.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("Expiry sweeper started", zap.Duration("interval", interval))
	if interval > 0 {
		s.lockTTL = interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	token, locked, err := s.cache.AcquireLock(ctx, sweepLockName, s.lockTTL)
	if err != nil {
		s.logger.Warn("Failed to acquire sweeper lock", zap.Error(err))
		return
	}
	if !locked {
		s.logger.Debug("Another instance is sweeping")
		return
	}
	defer func() {
		if err := s.cache.ReleaseLock(context.WithoutCancel(ctx), sweepLockName, token); err != nil {
			s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err))
	}
}
