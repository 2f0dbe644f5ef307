package reconcile

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/repository/offline"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/tradepost/service/reconcile")

// CurrencyLedger credits refunds to a recipient's balance. Implemented by
// the host economy subsystem.
type CurrencyLedger interface {
	Credit(ctx context.Context, recipientID string, amount float64) error
}

// InventoryAcceptor adds items to a recipient's holding area and returns
// whatever did not fit. Implemented by the host inventory subsystem.
type InventoryAcceptor interface {
	Accept(ctx context.Context, recipientID string, items []codec.ItemDescriptor) (overflow []codec.ItemDescriptor, err error)
}

// OverflowSink receives items the holding area could not accept, e.g. a
// world drop. Spilled items count as delivered, not failed.
type OverflowSink interface {
	Spill(ctx context.Context, recipientID string, items []codec.ItemDescriptor) error
}

// Stats summarizes one reconciliation run.
type Stats struct {
	Records        int     `json:"records"`
	ItemsDelivered int     `json:"items_delivered"`
	ItemsSpilled   int     `json:"items_spilled"`
	Refunded       float64 `json:"refunded"`
}

// Service is the reconciliation trigger: when a recipient becomes
// reachable it drains every pending compensation record and hands the
// contents to the delivery collaborators.
type Service struct {
	queue       *offline.Repository
	currency    CurrencyLedger
	inventory   InventoryAcceptor
	sink        OverflowSink
	logger      *zap.Logger
	settleDelay time.Duration
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Queue     *offline.Repository
	Currency  CurrencyLedger
	Inventory InventoryAcceptor
	Sink      OverflowSink
	Config    config.Config
	Logger    *zap.Logger
}

// NewService wires a reconciliation Service.
func NewService(p Params) *Service {
	return &Service{
		queue:       p.Queue,
		currency:    p.Currency,
		inventory:   p.Inventory,
		sink:        p.Sink,
		logger:      p.Logger,
		settleDelay: p.Config.Engine.SettleDelay,
	}
}

// Enqueue durably queues compensation (refund and/or items) for a
// recipient who cannot receive it right now. Parent and item rows commit
// as one transaction.
func (s *Service) Enqueue(ctx context.Context, recipientID string, refundAmount float64, items []codec.ItemDescriptor) error {
	ctx, span := serviceTracer.Start(ctx, "ReconcileService.Enqueue", trace.WithAttributes(
		attribute.String("recipient.id", recipientID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	blobs, err := codec.EncodeAll(items)
	if err != nil {
		return errorbank.BadRequest("invalid item descriptor", errorbank.WithCause(err))
	}

	if err := s.queue.Enqueue(ctx, recipientID, refundAmount, blobs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return storeError("failed to enqueue offline delivery", err)
	}
	return nil
}

// Pending reports how many compensation records are queued for the
// recipient.
func (s *Service) Pending(ctx context.Context, recipientID string) (int, error) {
	count, err := s.queue.PendingCount(ctx, recipientID)
	if err != nil {
		return 0, storeError("failed to count pending deliveries", err)
	}
	return count, nil
}

// Reconcile drains every pending record for the recipient, looping until
// the queue reports absent. One call with one record drained is not
// enough: separate cancellations accumulate separate records.
func (s *Service) Reconcile(ctx context.Context, recipientID string) (Stats, error) {
	ctx, span := serviceTracer.Start(ctx, "ReconcileService.Reconcile", trace.WithAttributes(attribute.String("recipient.id", recipientID)))
	defer span.End()

	var stats Stats
	for {
		record, err := s.queue.DrainOne(ctx, recipientID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "drain failed")
			return stats, storeError("failed to drain offline delivery", err)
		}
		if record == nil {
			break
		}

		stats.Records++
		s.deliver(ctx, record, &stats)
	}

	span.SetAttributes(
		attribute.Int("reconcile.records", stats.Records),
		attribute.Int("reconcile.delivered", stats.ItemsDelivered),
		attribute.Int("reconcile.spilled", stats.ItemsSpilled),
	)
	return stats, nil
}

// ReconcileAfterSettle waits the configured settle delay before the first
// attempt, giving the recipient's session time to finish initializing.
func (s *Service) ReconcileAfterSettle(ctx context.Context, recipientID string) (Stats, error) {
	if s.settleDelay > 0 {
		timer := time.NewTimer(s.settleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Stats{}, ctx.Err()
		}
	}
	return s.Reconcile(ctx, recipientID)
}

// deliver applies one drained record. The record is already deleted from
// the store at this point, so every failure path must still dispose of the
// value: overflow goes to the sink, collaborator errors are logged loudly.
func (s *Service) deliver(ctx context.Context, record *offline.Record, stats *Stats) {
	items := make([]codec.ItemDescriptor, 0, len(record.Items))
	for i, blob := range record.Items {
		item, err := codec.Decode(blob)
		if err != nil {
			s.logger.Warn("skipping corrupt offline delivery blob",
				zap.Int64("delivery_id", record.ID),
				zap.Int("item", i),
				zap.Error(err),
			)
			continue
		}
		items = append(items, item)
	}

	if len(items) > 0 {
		overflow, err := s.inventory.Accept(ctx, record.RecipientID, items)
		if err != nil {
			s.logger.Error("inventory rejected offline delivery, spilling all items",
				zap.String("recipient_id", record.RecipientID),
				zap.Int64("delivery_id", record.ID),
				zap.Error(err),
			)
			overflow = items
		}
		stats.ItemsDelivered += len(items) - len(overflow)

		if len(overflow) > 0 {
			s.logger.Warn("holding area full, spilling overflow",
				zap.String("recipient_id", record.RecipientID),
				zap.Int("items", len(overflow)),
			)
			if err := s.sink.Spill(ctx, record.RecipientID, overflow); err != nil {
				s.logger.Error("overflow spill failed, items lost",
					zap.String("recipient_id", record.RecipientID),
					zap.Int("items", len(overflow)),
					zap.Error(err),
				)
			} else {
				stats.ItemsSpilled += len(overflow)
			}
		}
	}

	if record.RefundAmount > 0 {
		if err := s.currency.Credit(ctx, record.RecipientID, record.RefundAmount); err != nil {
			s.logger.Error("refund credit failed",
				zap.String("recipient_id", record.RecipientID),
				zap.Float64("amount", record.RefundAmount),
				zap.Error(err),
			)
		} else {
			stats.Refunded += record.RefundAmount
		}
	}
}

func storeError(message string, err error) error {
	if errors.Is(err, database.ErrUnavailable) {
		return errorbank.Unavailable(message, errorbank.WithCause(err))
	}
	return errorbank.Internal(message, errorbank.WithCause(err))
}
