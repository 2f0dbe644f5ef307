package presence

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
	"github.com/Additional-Code/tradepost/internal/messaging"
	"github.com/Additional-Code/tradepost/internal/repository/offline"
	"github.com/Additional-Code/tradepost/internal/service/reconcile"
	"github.com/Additional-Code/tradepost/internal/worker"
)

type countingLedger struct {
	credited float64
}

func (c *countingLedger) Credit(_ context.Context, _ string, amount float64) error {
	c.credited += amount
	return nil
}

type acceptAllInventory struct {
	accepted int
}

func (a *acceptAllInventory) Accept(_ context.Context, _ string, items []codec.ItemDescriptor) ([]codec.ItemDescriptor, error) {
	a.accepted += len(items)
	return nil, nil
}

type discardSink struct{}

func (discardSink) Spill(context.Context, string, []codec.ItemDescriptor) error { return nil }

func newHandler(t *testing.T) (worker.HandlerRegistration, *reconcile.Service, *countingLedger, *acceptAllInventory) {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())

	ctx := context.Background()
	for _, model := range []any{
		(*entity.OfflineDelivery)(nil),
		(*entity.OfflineDeliveryItem)(nil),
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

	ledger := &countingLedger{}
	inventory := &acceptAllInventory{}

	cfg := config.Config{}
	cfg.Messaging.PresenceTopic = "trade.presence.events"

	svc := reconcile.NewService(reconcile.Params{
		Queue:     offline.NewRepository(serial),
		Currency:  ledger,
		Inventory: inventory,
		Sink:      discardSink{},
		Config:    cfg,
		Logger:    zap.NewNop(),
	})

	reg := NewReachableHandler(svc, zap.NewNop(), cfg)
	return reg, svc, ledger, inventory
}

func presenceMessage(t *testing.T, event Event) messaging.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return messaging.Message{Topic: "trade.presence.events", Value: payload}
}

func TestHandlerRegistersPresenceTopic(t *testing.T) {
	reg, _, _, _ := newHandler(t)
	assert.Equal(t, "trade.presence.events", reg.Topic)
	require.NotNil(t, reg.Handler)
}

func TestHandlerDrainsOnReachable(t *testing.T) {
	reg, svc, ledger, inventory := newHandler(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "alice", 25, []codec.ItemDescriptor{
		{TypeID: "iron_ingot", Quantity: 16},
	}))

	msg := presenceMessage(t, Event{RecipientID: "alice", Reachable: true, At: time.Now()})
	require.NoError(t, reg.Handler(ctx, msg))

	assert.Equal(t, 25.0, ledger.credited)
	assert.Equal(t, 1, inventory.accepted)

	pending, err := svc.Pending(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestHandlerIgnoresUnreachable(t *testing.T) {
	reg, svc, ledger, _ := newHandler(t)
	ctx := context.Background()

	require.NoError(t, svc.Enqueue(ctx, "bob", 10, nil))

	msg := presenceMessage(t, Event{RecipientID: "bob", Reachable: false, At: time.Now()})
	require.NoError(t, reg.Handler(ctx, msg))

	assert.Zero(t, ledger.credited)
	pending, err := svc.Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestHandlerIgnoresEmptyRecipient(t *testing.T) {
	reg, _, ledger, _ := newHandler(t)

	msg := presenceMessage(t, Event{RecipientID: "", Reachable: true})
	require.NoError(t, reg.Handler(context.Background(), msg))
	assert.Zero(t, ledger.credited)
}

func TestHandlerRejectsMalformedPayload(t *testing.T) {
	reg, _, _, _ := newHandler(t)

	msg := messaging.Message{Topic: "trade.presence.events", Value: []byte("{not json")}
	require.Error(t, reg.Handler(context.Background(), msg))
}
