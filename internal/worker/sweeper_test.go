package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reservation-service/internal/broker"
	"reservation-service/internal/cache"
	"reservation-service/internal/models"
	"reservation-service/internal/payment"
	"reservation-service/internal/service"
	"reservation-service/internal/store"
	"reservation-service/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type env struct {
	svc      *service.ReservationService
	ledger   *store.MemoryLedger
	cache    *cache.MemoryCache
	sweeper  *Sweeper
	recovery *RecoveryWorker
	mu       sync.Mutex
	now      time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *env) reserved(t *testing.T, variantID int64) int {
	v, err := e.ledger.GetVariant(context.Background(), variantID)
	require.NoError(t, err)
	return v.ReservedStock
}

func newEnv(t *testing.T) *env {
	util.SetLogger(zap.NewNop())

	e := &env{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	e.ledger = store.NewMemoryLedger()
	e.ledger.AddProduct(1, nil)
	e.ledger.AddVariant(models.ProductVariant{ID: 1, ProductID: 1, InitialStock: 10, PriceCents: 1000, Currency: "usd"})
	e.ledger.AddVariant(models.ProductVariant{ID: 2, ProductID: 1, InitialStock: 10, PriceCents: 250, Currency: "usd"})

	e.cache = cache.NewMemoryCache()
	e.cache.SetClock(e.clock)

	e.recovery = NewRecoveryWorker(nil, e.ledger)
	events := broker.NewEventPublisher(broker.NewInProcessWriter(e.recovery.HandleMessage))

	gateway := payment.NewMockGateway(payment.NewWebhookVerifier("whsec", time.Minute))
	e.svc = service.NewReservationService(e.ledger, e.cache, gateway, events,
		service.Config{ReservationTTL: 600 * time.Second, GracePeriod: time.Hour})
	e.svc.SetClock(e.clock)

	e.sweeper = NewSweeper(e.cache, e.svc, 2)
	e.sweeper.SetClock(e.clock)
	return e
}

func (e *env) reserve(t *testing.T, caller string, variantID int64, qty int) *models.Reservation {
	r, err := e.svc.Reserve(context.Background(), service.ReserveRequest{
		CallerID: caller,
		Email:    caller + "@example.com",
		Items:    []service.ItemRequest{{VariantID: variantID, Quantity: qty}},
	})
	require.NoError(t, err)
	return r
}

func TestSweeper_ReleasesOnlyDueReservations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.reserve(t, "u1", 1, 3)
	e.advance(300 * time.Second)
	late := e.reserve(t, "u2", 1, 2)

	res, err := e.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 5, e.reserved(t, 1))

	e.advance(301 * time.Second)
	res, err = e.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 2, e.reserved(t, 1))

	status, err := e.svc.GetStatus(ctx, service.StatusRequest{CallerID: "u2", ReservationID: late.ID})
	require.NoError(t, err)
	assert.Equal(t, service.StatusActive, status.Status)

	e.advance(300 * time.Second)
	res, err = e.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 0, e.reserved(t, 1))

	var expired int
	for _, l := range e.ledger.InventoryLogs() {
		if l.ChangeType == models.ChangeReleaseExpired {
			expired += -l.QuantityDiff
		}
	}
	assert.Equal(t, 5, expired)
}

func TestSweeper_DrainsMoreThanOneBatch(t *testing.T) {
	e := newEnv(t)
	for i, caller := range []string{"a", "b", "c", "d", "e"} {
		e.reserve(t, caller, int64(i%2+1), 1)
	}
	e.advance(700 * time.Second)

	res, err := e.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Released)
	assert.Equal(t, 0, e.reserved(t, 1))
	assert.Equal(t, 0, e.reserved(t, 2))
	assert.Equal(t, 0, e.cache.IndexSize())
}

func TestSweeper_StaleIndexEntryIsDropped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.reserve(t, "u1", 1, 1)

	_, err := e.cache.ClaimReservation(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, e.cache.RestoreReservation(ctx, r, time.Minute, 0))
	// the record vanishes while its index entry stays behind
	e.advance(2 * time.Hour)

	res, err := e.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, e.cache.IndexSize())
	assert.Equal(t, 1, e.reserved(t, 1), "a vanished record has nothing the sweeper may release")
}

func TestSweeper_ConfirmedReservationIsNoOp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.reserve(t, "u1", 1, 2)

	intent, err := e.svc.CreatePaymentIntent(ctx, service.PaymentIntentRequest{CallerID: "u1", ReservationID: r.ID})
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, service.ConfirmRequest{CallerID: "u1", ReservationID: r.ID, PaymentIntentID: intent.PaymentIntentID})
	require.NoError(t, err)

	e.advance(700 * time.Second)
	res, err := e.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released)

	v, err := e.ledger.GetVariant(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, v.InitialStock)
	assert.Equal(t, 0, v.ReservedStock)
}

func TestSweeper_RacingCancelReleasesExactlyOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		e := newEnv(t)
		ctx := context.Background()
		r := e.reserve(t, "u1", 1, 4)
		e.advance(601 * time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.sweeper.RunOnce(ctx)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := e.svc.Cancel(ctx, service.CancelRequest{CallerID: "u1", ReservationID: r.ID})
			assert.NoError(t, err)
		}()
		wg.Wait()

		assert.Equal(t, 0, e.reserved(t, 1))
		var total int
		for _, l := range e.ledger.InventoryLogs() {
			if l.QuantityDiff < 0 {
				total += -l.QuantityDiff
			}
		}
		assert.Equal(t, 4, total)
	}
}

type flakyReleaser struct {
	failID  string
	panicID string
	seen    []string
}

func (f *flakyReleaser) ReleaseExpired(ctx context.Context, id string) (bool, error) {
	f.seen = append(f.seen, id)
	switch id {
	case f.failID:
		return false, errors.New("ledger unavailable")
	case f.panicID:
		panic("boom")
	}
	return true, nil
}

func TestSweeper_FailuresAreIsolated(t *testing.T) {
	util.SetLogger(zap.NewNop())
	c := cache.NewMemoryCache()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		r := &models.Reservation{ID: id, CallerID: "c-" + id, ExpiresAt: now.Add(time.Duration(i) * time.Second)}
		require.NoError(t, c.SaveReservation(context.Background(), r, time.Hour, time.Minute))
	}
	now = now.Add(time.Minute)

	releaser := &flakyReleaser{failID: "r2", panicID: "r3"}
	s := NewSweeper(c, releaser, 10)
	s.SetClock(func() time.Time { return now })

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, releaser.seen)
	assert.Equal(t, SweepResult{Scanned: 4, Released: 2, Failed: 2}, res)
}

type failingReleaser struct {
	Releaser
	fail map[string]bool
}

func (f *failingReleaser) ReleaseExpired(ctx context.Context, id string) (bool, error) {
	if f.fail[id] {
		return false, errors.New("ledger unavailable")
	}
	return f.Releaser.ReleaseExpired(ctx, id)
}

func TestSweeper_FailingHeadOfIndexDoesNotHideLaterReservations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.reserve(t, "u1", 1, 1)
	e.advance(time.Second)
	second := e.reserve(t, "u2", 1, 1)
	e.advance(time.Second)
	e.reserve(t, "u3", 2, 4)
	e.advance(700 * time.Second)

	s := NewSweeper(e.cache, &failingReleaser{Releaser: e.svc, fail: map[string]bool{first.ID: true, second.ID: true}}, 2)
	s.SetClock(e.clock)

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Released: 1, Failed: 2}, res)
	assert.Equal(t, 0, e.reserved(t, 2))
	assert.Equal(t, 2, e.reserved(t, 1))

	res, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Failed: 2}, res)
	assert.Equal(t, 2, e.cache.IndexSize())
}

func TestSweeper_ReleasesHoldAfterCallerTransactionRollback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r := e.reserve(t, "u1", 2, 3)

	intent, err := e.svc.CreatePaymentIntent(ctx, service.PaymentIntentRequest{CallerID: "u1", ReservationID: r.ID})
	require.NoError(t, err)

	err = e.ledger.WithTransaction(ctx, func(tx store.Tx) error {
		_, err := e.svc.Confirm(ctx, service.ConfirmRequest{CallerID: "u1", ReservationID: r.ID, PaymentIntentID: intent.PaymentIntentID, Tx: tx})
		require.NoError(t, err)
		return errors.New("outer write failed")
	})
	require.Error(t, err)
	assert.Equal(t, 3, e.reserved(t, 2))
	assert.Empty(t, e.ledger.Orders())

	e.advance(30 * time.Minute)
	res, err := e.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)

	v, err := e.ledger.GetVariant(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, v.ReservedStock)
	assert.Equal(t, 10, v.InitialStock)
}

func TestSweeper_StartRunsUntilCancelled(t *testing.T) {
	e := newEnv(t)
	e.reserve(t, "u1", 1, 3)
	e.advance(601 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.sweeper.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return e.reserved(t, 1) == 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_SkipsPassWhileAnotherInstanceHoldsLock(t *testing.T) {
	e := newEnv(t)
	e.reserve(t, "u1", 1, 3)
	e.advance(601 * time.Second)

	token, locked, err := e.cache.AcquireLock(context.Background(), sweepLockName, time.Hour)
	require.NoError(t, err)
	require.True(t, locked)

	e.sweeper.tick(context.Background())
	assert.Equal(t, 3, e.reserved(t, 1))

	require.NoError(t, e.cache.ReleaseLock(context.Background(), sweepLockName, token))
	e.sweeper.tick(context.Background())
	assert.Equal(t, 0, e.reserved(t, 1))
}
