package escrow

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

	"github.com/Additional-Code/tradepost/internal/cache"
	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
	repoescrow "github.com/Additional-Code/tradepost/internal/repository/escrow"
	repoorder "github.com/Additional-Code/tradepost/internal/repository/order"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return value, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func newTestService(t *testing.T) (*Service, *repoorder.Repository) {
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

	orders := repoorder.NewRepository(serial)
	svc := NewService(Params{
		Escrow: repoescrow.NewRepository(serial, zap.NewNop()),
		Orders: orders,
		Cache:  newMemoryCache(),
		Config: config.Config{},
		Logger: zap.NewNop(),
	})
	return svc, orders
}

func placeOrder(t *testing.T, orders *repoorder.Repository, ownerID string) *entity.Order {
	t.Helper()
	blob, err := codec.Encode(codec.ItemDescriptor{TypeID: "iron_ingot", Quantity: 1})
	require.NoError(t, err)
	now := time.Now().UTC()
	order := &entity.Order{
		OwnerID:   ownerID,
		OwnerName: "Mara",
		ItemBlob:  blob,
		TotalQty:  64,
		UnitPrice: 5,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, orders.Create(context.Background(), order))
	return order
}

func TestDepositAndClaim(t *testing.T) {
	svc, orders := newTestService(t)
	ctx := context.Background()

	order := placeOrder(t, orders, "owner-1")

	items := []codec.ItemDescriptor{
		{TypeID: "iron_ingot", Quantity: 16},
		{TypeID: "iron_ingot", Quantity: 24},
	}
	for _, item := range items {
		require.NoError(t, svc.Deposit(ctx, order.ID, item))
	}

	has, err := svc.HasEntries(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, has)

	claimed, err := svc.ClaimAll(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.True(t, items[0].Equal(claimed[0]))
	assert.True(t, items[1].Equal(claimed[1]))

	// Second claim is empty, and the hint flips with it.
	claimed, err = svc.ClaimAll(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	has, err = svc.HasEntries(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDepositUnknownOrder(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Deposit(context.Background(), 404, codec.ItemDescriptor{TypeID: "coal", Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestDepositInvalidItem(t *testing.T) {
	svc, orders := newTestService(t)
	order := placeOrder(t, orders, "owner-1")

	err := svc.Deposit(context.Background(), order.ID, codec.ItemDescriptor{Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestHasEntriesHintFollowsDeposit(t *testing.T) {
	svc, orders := newTestService(t)
	ctx := context.Background()

	order := placeOrder(t, orders, "owner-1")

	has, err := svc.HasEntries(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, has)

	// Deposit must overwrite the cached negative hint immediately.
	require.NoError(t, svc.Deposit(ctx, order.ID, codec.ItemDescriptor{TypeID: "coal", Quantity: 8}))

	has, err = svc.HasEntries(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestClaimAllSkipsCorruptBlob(t *testing.T) {
	svc, orders := newTestService(t)
	ctx := context.Background()

	order := placeOrder(t, orders, "owner-1")
	require.NoError(t, svc.Deposit(ctx, order.ID, codec.ItemDescriptor{TypeID: "iron_ingot", Quantity: 16}))

	// Inject a corrupt entry directly, bypassing the service encode path.
	require.NoError(t, svc.escrow.Deposit(ctx, order.ID, order.OwnerID, []byte{0xff, 0xfe}))

	claimed, err := svc.ClaimAll(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "corrupt entry is skipped, not fatal")
	assert.Equal(t, "iron_ingot", claimed[0].TypeID)

	// The corrupt entry was still consumed by the claim.
	has, err := svc.escrow.HasEntries(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, has)
}
