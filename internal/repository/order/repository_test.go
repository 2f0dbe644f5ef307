package order

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
)

func newTestRepo(t *testing.T) (*Repository, *bun.DB) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, model := range []any{
		(*entity.Order)(nil),
		(*entity.EscrowEntry)(nil),
	} {
		_, err := db.NewCreateTable().Model(model).Exec(ctx)
		require.NoError(t, err)
	}

	serial := database.NewSerialWorker(db, 5*time.Second, 64, zap.NewNop())
	serial.Start()
	t.Cleanup(func() {
		_ = serial.Stop(context.Background())
		_ = db.Close()
	})

	return NewRepository(serial), db
}

func testOrder(t *testing.T, total int64, expiresIn time.Duration) *entity.Order {
	t.Helper()
	blob, err := codec.Encode(codec.ItemDescriptor{TypeID: "iron_ingot", Quantity: 1})
	require.NoError(t, err)
	now := time.Now().UTC()
	return &entity.Order{
		OwnerID:   "owner-1",
		OwnerName: "Mara",
		ItemBlob:  blob,
		TotalQty:  total,
		UnitPrice: 5,
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	}
}

func TestCreateAndGet(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 64, time.Hour)
	require.NoError(t, repo.Create(ctx, order))
	require.NotZero(t, order.ID)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, got.Status)
	assert.Equal(t, int64(64), got.TotalQty)
	assert.Equal(t, int64(0), got.DeliveredQty)
	assert.Equal(t, "owner-1", got.OwnerID)
}

func TestGetMissing(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.GetByID(context.Background(), 4242)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyDeliveryBounds(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 64, time.Hour)
	require.NoError(t, repo.Create(ctx, order))

	delivered, err := repo.ApplyDelivery(ctx, order.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), delivered)

	// Overshooting is rejected whole, never partially applied.
	_, err = repo.ApplyDelivery(ctx, order.ID, 40)
	require.ErrorIs(t, err, ErrRejected)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.DeliveredQty)
	assert.Equal(t, entity.StatusActive, got.Status)

	delivered, err = repo.ApplyDelivery(ctx, order.ID, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(64), delivered)

	got, err = repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFulfilled, got.Status)
}

func TestApplyDeliveryFulfillsInOneStep(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 64, time.Hour)
	require.NoError(t, repo.Create(ctx, order))

	delivered, err := repo.ApplyDelivery(ctx, order.ID, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(64), delivered)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(64), got.DeliveredQty)
	assert.Equal(t, entity.StatusFulfilled, got.Status)

	// A fulfilled order accepts no further deliveries.
	_, err = repo.ApplyDelivery(ctx, order.ID, 1)
	require.ErrorIs(t, err, ErrRejected)
}

func TestApplyDeliveryConcurrent(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 64, time.Hour)
	require.NoError(t, repo.Create(ctx, order))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = repo.ApplyDelivery(ctx, order.ID, 40)
		}(i)
	}
	wg.Wait()

	var successes, rejections int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, ErrRejected):
			rejections++
		}
	}
	assert.Equal(t, 1, successes, "exactly one delivery must win")
	assert.Equal(t, 1, rejections)

	got, err := repo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.DeliveredQty, "the two deliveries must never sum past total")
}

func TestApplyDeliveryRejectsNonPositiveDelta(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.ApplyDelivery(context.Background(), 1, 0)
	require.Error(t, err)
	_, err = repo.ApplyDelivery(context.Background(), 1, -5)
	require.Error(t, err)
}

func TestApplyDeliveryMissingOrder(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.ApplyDelivery(context.Background(), 999, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLazyExpiry(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	fresh := testOrder(t, 10, time.Hour)
	require.NoError(t, repo.Create(ctx, fresh))

	stale := testOrder(t, 10, -time.Minute)
	require.NoError(t, repo.Create(ctx, stale))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, fresh.ID, active[0].ID)

	// The stale order's stored status was corrected, not just filtered.
	got, err := repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusExpired, got.Status)
}

func TestApplyDeliveryRejectsExpiredOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	stale := testOrder(t, 64, -time.Minute)
	require.NoError(t, repo.Create(ctx, stale))

	// The order has never been listed, so its stored status is still
	// ACTIVE; the delivery op itself must run the expiry correction.
	_, err := repo.ApplyDelivery(ctx, stale.ID, 5)
	require.ErrorIs(t, err, ErrRejected)

	got, err := repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusExpired, got.Status)
	assert.Zero(t, got.DeliveredQty, "no delivery may land on an expired order")
}

func TestGetByIDReconcilesExpiry(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	stale := testOrder(t, 10, -time.Minute)
	require.NoError(t, repo.Create(ctx, stale))

	got, err := repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusExpired, got.Status, "a passed expiry must never be reported as ACTIVE")
}

func TestSetStatusRejectsExpiredOrder(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	stale := testOrder(t, 10, -time.Minute)
	require.NoError(t, repo.Create(ctx, stale))

	// Expiry wins over a late cancellation.
	err := repo.SetStatus(ctx, stale.ID, entity.StatusCancelled)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListByOwnerReconcilesExpiry(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	stale := testOrder(t, 10, -time.Minute)
	require.NoError(t, repo.Create(ctx, stale))

	orders, err := repo.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, entity.StatusExpired, orders[0].Status)
}

func TestSetStatusForwardOnly(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 10, time.Hour)
	require.NoError(t, repo.Create(ctx, order))

	require.NoError(t, repo.SetStatus(ctx, order.ID, entity.StatusCancelled))

	// Terminal statuses never move again.
	err := repo.SetStatus(ctx, order.ID, entity.StatusFulfilled)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Moving back to ACTIVE is never a valid transition.
	err = repo.SetStatus(ctx, order.ID, entity.StatusActive)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = repo.SetStatus(ctx, 999, entity.StatusCancelled)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCancelledOrderRejectsDeliveries(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 10, time.Hour)
	require.NoError(t, repo.Create(ctx, order))
	require.NoError(t, repo.SetStatus(ctx, order.ID, entity.StatusCancelled))

	_, err := repo.ApplyDelivery(ctx, order.ID, 1)
	require.ErrorIs(t, err, ErrRejected)
}

func TestDeleteCascadesEscrow(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 10, time.Hour)
	require.NoError(t, repo.Create(ctx, order))

	for i := 0; i < 3; i++ {
		entry := &entity.EscrowEntry{OrderID: order.ID, OwnerID: order.OwnerID, ItemBlob: order.ItemBlob}
		_, err := db.NewInsert().Model(entry).Exec(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, repo.Delete(ctx, order.ID))

	_, err := repo.GetByID(ctx, order.ID)
	require.ErrorIs(t, err, ErrNotFound)

	count, err := db.NewSelect().Model((*entity.EscrowEntry)(nil)).Where("order_id = ?", order.ID).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "escrow entries must not survive their order")

	require.ErrorIs(t, repo.Delete(ctx, order.ID), ErrNotFound)
}

func TestCountOpenByOwner(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, testOrder(t, 10, time.Hour)))
	}
	order := testOrder(t, 10, time.Hour)
	require.NoError(t, repo.Create(ctx, order))
	require.NoError(t, repo.SetStatus(ctx, order.ID, entity.StatusCancelled))

	count, err := repo.CountOpenByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestOperationsFailFastWhenWorkerStopped(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	order := testOrder(t, 10, time.Hour)
	require.NoError(t, repo.Create(ctx, order))

	// Simulate the store becoming unavailable.
	require.NoError(t, repo.serial.Stop(ctx))

	_, err := repo.GetByID(ctx, order.ID)
	require.ErrorIs(t, err, database.ErrUnavailable)
	_, err = repo.ApplyDelivery(ctx, order.ID, 1)
	require.ErrorIs(t, err, database.ErrUnavailable)
}
