package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reservation-service/internal/cache"
	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGuard(t *testing.T) (*Guard, *cache.MemoryCache) {
	util.SetLogger(zap.NewNop())
	c := cache.NewMemoryCache()
	return NewGuard(c, time.Hour, time.Second), c
}

func created(body string) Operation {
	return func(ctx context.Context) (*models.IdempotencyRecord, error) {
		return &models.IdempotencyRecord{
			StatusCode: http.StatusCreated,
			Headers:    http.Header{"Content-Type": {"application/json"}},
			Body:       []byte(body),
		}, nil
	}
}

func TestGuard_NoTokenPassesThrough(t *testing.T) {
	g, _ := newGuard(t)
	var calls int

	for i := 0; i < 2; i++ {
		rec, replayed, err := g.Execute(context.Background(), "", func(ctx context.Context) (*models.IdempotencyRecord, error) {
			calls++
			return &models.IdempotencyRecord{StatusCode: http.StatusOK}, nil
		})
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, http.StatusOK, rec.StatusCode)
	}
	assert.Equal(t, 2, calls)
}

func TestGuard_ReplaysFirstResponse(t *testing.T) {
	g, c := newGuard(t)
	ctx := context.Background()
	var calls int32

	op := func(ctx context.Context) (*models.IdempotencyRecord, error) {
		n := atomic.AddInt32(&calls, 1)
		if n > 1 {
			return &models.IdempotencyRecord{StatusCode: http.StatusConflict, Body: []byte(`{"second":true}`)}, nil
		}
		return created(`{"id":"r1"}`)(ctx)
	}

	first, replayed, err := g.Execute(ctx, "tok-1", op)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := g.Execute(ctx, "tok-1", op)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, "application/json", second.Headers.Get("Content-Type"))

	stored, err := c.GetIdempotency(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestGuard_ClientErrorsAreStored(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	var calls int

	op := func(ctx context.Context) (*models.IdempotencyRecord, error) {
		calls++
		return &models.IdempotencyRecord{StatusCode: http.StatusConflict, Body: []byte(`{"error":{}}`)}, nil
	}
	_, _, err := g.Execute(ctx, "tok-409", op)
	require.NoError(t, err)
	rec, replayed, err := g.Execute(ctx, "tok-409", op)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, http.StatusConflict, rec.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestGuard_ServerErrorsStayRetryable(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	var calls int

	op := func(ctx context.Context) (*models.IdempotencyRecord, error) {
		calls++
		if calls == 1 {
			return &models.IdempotencyRecord{StatusCode: http.StatusInternalServerError}, nil
		}
		return &models.IdempotencyRecord{StatusCode: http.StatusCreated}, nil
	}

	rec, _, err := g.Execute(ctx, "tok-500", op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, rec.StatusCode)

	rec, replayed, err := g.Execute(ctx, "tok-500", op)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, http.StatusCreated, rec.StatusCode)
	assert.Equal(t, 2, calls)
}

func TestGuard_OperationErrorIsNotStored(t *testing.T) {
	g, c := newGuard(t)
	boom := errors.New("boom")

	_, _, err := g.Execute(context.Background(), "tok-err", func(ctx context.Context) (*models.IdempotencyRecord, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := c.GetIdempotency(context.Background(), "tok-err")
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, locked, err := c.AcquireLock(context.Background(), lockName("tok-err"), time.Second)
	require.NoError(t, err)
	assert.True(t, locked, "lock must be released after the operation")
}

func TestGuard_ConcurrentDuplicateIsRejected(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := g.Execute(ctx, "tok-slow", func(ctx context.Context) (*models.IdempotencyRecord, error) {
			close(started)
			<-release
			return &models.IdempotencyRecord{StatusCode: http.StatusCreated}, nil
		})
		assert.NoError(t, err)
	}()

	<-started
	_, _, err := g.Execute(ctx, "tok-slow", created(`{}`))
	assert.ErrorIs(t, err, ErrInProgress)

	close(release)
	wg.Wait()

	rec, replayed, err := g.Execute(ctx, "tok-slow", created(`{}`))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, http.StatusCreated, rec.StatusCode)
}

func TestGuard_RecordExpiresAfterTTL(t *testing.T) {
	util.SetLogger(zap.NewNop())
	c := cache.NewMemoryCache()
	now := time.Now()
	c.SetClock(func() time.Time { return now })
	g := NewGuard(c, time.Hour, time.Second)
	ctx := context.Background()

	_, _, err := g.Execute(ctx, "tok-ttl", created(`{}`))
	require.NoError(t, err)

	now = now.Add(61 * time.Minute)
	_, replayed, err := g.Execute(ctx, "tok-ttl", created(`{}`))
	require.NoError(t, err)
	assert.False(t, replayed)
}
