package presence

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/messaging"
	"github.com/Additional-Code/tradepost/internal/service/reconcile"
	"github.com/Additional-Code/tradepost/internal/worker"
)

var workerTracer = otel.Tracer("github.com/Additional-Code/tradepost/worker/presence")

// Module registers the presence worker handler.
var Module = fx.Module("worker_presence",
	fx.Provide(
		fx.Annotate(
			NewReachableHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// Event signals a recipient's reachability change. Only transitions to
// reachable trigger a reconciliation drain.
type Event struct {
	RecipientID string    `json:"recipient_id"`
	Reachable   bool      `json:"reachable"`
	At          time.Time `json:"at"`
}

// NewReachableHandler sets up a worker handler that drains pending offline
// deliveries when a recipient becomes reachable. The reconciler applies
// the configured settle delay before the first attempt.
func NewReachableHandler(svc *reconcile.Service, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.presence.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var event Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode presence event", zap.Error(err))

			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return err
		}
		if event.RecipientID == "" || !event.Reachable {
			return nil
		}

		stats, err := svc.ReconcileAfterSettle(ctx, event.RecipientID)
		if err != nil {
			logger.Error("reconciliation failed",
				zap.String("recipient_id", event.RecipientID),
				zap.Error(err),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconcile error")
			return err
		}

		if stats.Records > 0 {
			logger.Info("offline deliveries reconciled",
				zap.String("recipient_id", event.RecipientID),
				zap.Int("records", stats.Records),
				zap.Int("items_delivered", stats.ItemsDelivered),
				zap.Int("items_spilled", stats.ItemsSpilled),
				zap.Float64("refunded", stats.Refunded),
			)
		}

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.PresenceTopic,
		Handler: handler,
	}
}
