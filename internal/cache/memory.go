package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"reservation-service/internal/models"

	"github.com/google/uuid"
)

// MemoryCache is an in-process Cache with the same atomicity as the Redis scripts:
// every operation runs under one mutex.
type MemoryCache struct {
	mu    sync.Mutex
	now   func() time.Time
	keys  map[string]memEntry
	index map[string]float64
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		now:   time.Now,
		keys:  make(map[string]memEntry),
		index: make(map[string]float64),
	}
}

// SetClock replaces the clock used for key expiry
func (m *MemoryCache) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// IndexSize returns the number of expiry index entries
func (m *MemoryCache) IndexSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

func (m *MemoryCache) get(key string) ([]byte, bool) {
	e, ok := m.keys[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.keys, key)
		return nil, false
	}
	return e.value, true
}

func (m *MemoryCache) set(key string, value []byte, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.keys[key] = e
}

// AcquireActive sets the caller's active key if it is free
func (m *MemoryCache) AcquireActive(ctx context.Context, callerID, reservationID string, ttl time.Duration) (bool, error) {
	if err := positiveTTL("active", ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(ActiveKey(callerID)); ok {
		return false, nil
	}
	m.set(ActiveKey(callerID), []byte(reservationID), ttl)
	return true, nil
}

// ReleaseActive deletes the active key while it still points at reservationID
func (m *MemoryCache) ReleaseActive(ctx context.Context, callerID, reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseActive(callerID, reservationID)
	return nil
}

func (m *MemoryCache) releaseActive(callerID, reservationID string) {
	if v, ok := m.get(ActiveKey(callerID)); ok && string(v) == reservationID {
		delete(m.keys, ActiveKey(callerID))
	}
}

// ActiveReservationID returns the caller's active reservation id, empty if none
func (m *MemoryCache) ActiveReservationID(ctx context.Context, callerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.get(ActiveKey(callerID))
	return string(v), nil
}

// SaveReservation writes the record, active key and index entry together
func (m *MemoryCache) SaveReservation(ctx context.Context, r *models.Reservation, recordTTL, activeTTL time.Duration) error {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ReservationKey(r.ID), data, recordTTL)
	m.set(ActiveKey(r.CallerID), []byte(r.ID), activeTTL)
	m.index[r.ID] = expiryScore(r.ExpiresAt)
	return nil
}

// GetReservation loads a reservation, nil if it is gone
func (m *MemoryCache) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.Lock()
	data, ok := m.get(ReservationKey(id))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeReservation(data)
}

// UpdateReservation overwrites an existing record only
func (m *MemoryCache) UpdateReservation(ctx context.Context, r *models.Reservation, recordTTL time.Duration) error {
	if err := positiveTTL("record", recordTTL); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(ReservationKey(r.ID)); !ok {
		return ErrReservationGone
	}
	m.set(ReservationKey(r.ID), data, recordTTL)
	return nil
}

// TransferOwnership moves a guest reservation and its active key to a new caller
func (m *MemoryCache) TransferOwnership(ctx context.Context, r *models.Reservation, previousCallerID string, recordTTL, activeTTL time.Duration) error {
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

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(ReservationKey(r.ID)); !ok {
		return ErrReservationGone
	}
	if current, ok := m.get(ActiveKey(r.CallerID)); ok && string(current) != r.ID {
		return ErrActiveReservationExists
	}
	m.set(ActiveKey(r.CallerID), []byte(r.ID), activeTTL)
	m.releaseActive(previousCallerID, r.ID)
	m.set(ReservationKey(r.ID), data, recordTTL)
	return nil
}

// ClaimReservation removes a reservation and returns it to exactly one caller
func (m *MemoryCache) ClaimReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.index, id)
	data, ok := m.get(ReservationKey(id))
	if !ok {
		return nil, nil
	}
	delete(m.keys, ReservationKey(id))

	r, err := decodeReservation(data)
	if err != nil {
		return nil, err
	}
	m.releaseActive(r.CallerID, id)
	return r, nil
}

// RestoreReservation puts a claimed reservation back
func (m *MemoryCache) RestoreReservation(ctx context.Context, r *models.Reservation, recordTTL, activeTTL time.Duration) error {
	if err := positiveTTL("record", recordTTL); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(ReservationKey(r.ID), data, recordTTL)
	m.index[r.ID] = expiryScore(r.ExpiresAt)
	if activeTTL > 0 {
		if _, ok := m.get(ActiveKey(r.CallerID)); !ok {
			m.set(ActiveKey(r.CallerID), []byte(r.ID), activeTTL)
		}
	}
	return nil
}

// DueReservations pages through the expiry index, oldest first
func (m *MemoryCache) DueReservations(ctx context.Context, now time.Time, offset, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := expiryScore(now)
	type scored struct {
		id    string
		score float64
	}
	var due []scored
	for id, score := range m.index {
		if score <= max {
			due = append(due, scored{id, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score == due[j].score {
			return due[i].id < due[j].id
		}
		return due[i].score < due[j].score
	})
	if offset >= int64(len(due)) {
		return []string{}, nil
	}
	due = due[offset:]
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}

	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids, nil
}

// RemoveFromIndex drops an expiry index entry
func (m *MemoryCache) RemoveFromIndex(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.index, id)
	return nil
}

// GetIdempotency loads a stored response, nil if the token is unknown
func (m *MemoryCache) GetIdempotency(ctx context.Context, token string) (*models.IdempotencyRecord, error) {
	m.mu.Lock()
	data, ok := m.get(IdempotencyKey(token))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var rec models.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

// SaveIdempotency stores a response under token
func (m *MemoryCache) SaveIdempotency(ctx context.Context, token string, record *models.IdempotencyRecord, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(IdempotencyKey(token), data, ttl)
	return nil
}

// AcquireLock takes a lock and returns its owner token
func (m *MemoryCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(LockKey(name)); ok {
		return "", false, nil
	}
	token := uuid.New().String()
	m.set(LockKey(name), []byte(token), ttl)
	return token, true, nil
}

// ReleaseLock drops a lock still owned by token
func (m *MemoryCache) ReleaseLock(ctx context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.get(LockKey(name)); ok && string(v) == token {
		delete(m.keys, LockKey(name))
	}
	return nil
}

// Ping always succeeds
func (m *MemoryCache) Ping(ctx context.Context) error { return nil }

// Close is a no-op
func (m *MemoryCache) Close() error { return nil }
