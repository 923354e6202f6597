package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservation-service/internal/models"
)

// Key layout shared by every Cache implementation
const (
	reservationKeyPrefix = "reservation:"
	activeKeyPrefix      = "reservation:user:"
	expiryIndexKey       = "reservations:by_expiry"
	idempotencyKeyPrefix = "idempotency:"
	lockKeyPrefix        = "lock:"
)

var (
	// ErrReservationGone is returned when a write targets a reservation that was already resolved
	ErrReservationGone = errors.New("reservation no longer cached")
	// ErrActiveReservationExists is returned when an ownership transfer hits another live reservation
	ErrActiveReservationExists = errors.New("caller already holds an active reservation")
)

// ReservationKey returns the record key of a reservation
func ReservationKey(id string) string {
	return reservationKeyPrefix + id
}

// ActiveKey returns the per-caller active reservation key
func ActiveKey(callerID string) string {
	return activeKeyPrefix + callerID
}

// IdempotencyKey returns the key holding a replayable response
func IdempotencyKey(token string) string {
	return idempotencyKeyPrefix + token
}

// LockKey returns the key of a short-lived mutual exclusion lock
func LockKey(name string) string {
	return lockKeyPrefix + name
}

// Cache is the fast store holding reservation lifecycle state
type Cache interface {
	// AcquireActive sets the caller's active key to reservationID only if it is unset
	AcquireActive(ctx context.Context, callerID, reservationID string, ttl time.Duration) (bool, error)
	// ReleaseActive deletes the caller's active key only if it still points to reservationID
	ReleaseActive(ctx context.Context, callerID, reservationID string) error
	ActiveReservationID(ctx context.Context, callerID string) (string, error)

	// SaveReservation writes the record, the active key and the expiry index entry in one batch
	SaveReservation(ctx context.Context, r *models.Reservation, recordTTL, activeTTL time.Duration) error
	// GetReservation returns nil, nil when the record is absent
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	// UpdateReservation overwrites an existing record; ErrReservationGone if it was resolved meanwhile
	UpdateReservation(ctx context.Context, r *models.Reservation, recordTTL time.Duration) error
	// TransferOwnership moves a reservation and its active key from previousCallerID to r.CallerID
	TransferOwnership(ctx context.Context, r *models.Reservation, previousCallerID string, recordTTL, activeTTL time.Duration) error
	// ClaimReservation atomically removes the record, its index entry and its active key.
	// Exactly one concurrent caller receives the record; the others get nil, nil.
	ClaimReservation(ctx context.Context, id string) (*models.Reservation, error)
	// RestoreReservation puts back a claimed record whose resolution failed
	RestoreReservation(ctx context.Context, r *models.Reservation, recordTTL, activeTTL time.Duration) error

	// DueReservations lists reservation ids whose expiry score is <= now, oldest first,
	// skipping the first offset entries
	DueReservations(ctx context.Context, now time.Time, offset, limit int64) ([]string, error)
	RemoveFromIndex(ctx context.Context, id string) error

	GetIdempotency(ctx context.Context, token string) (*models.IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, token string, record *models.IdempotencyRecord, ttl time.Duration) error

	// AcquireLock takes lock:{name} and returns the token that owns it
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	// ReleaseLock deletes lock:{name} only while token still owns it
	ReleaseLock(ctx context.Context, name, token string) error

	Ping(ctx context.Context) error
	Close() error
}

func expiryScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func positiveTTL(name string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%s ttl must be positive, got %s", name, ttl)
	}
	return nil
}
