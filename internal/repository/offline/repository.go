package offline

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/tradepost/repository/offline")

// Record is one drained compensation record: a refund plus item blobs, all
// belonging to a single recipient.
type Record struct {
	ID           int64
	RecipientID  string
	RefundAmount float64
	Items        [][]byte
}

// Repository is the offline delivery queue: durable compensation records
// for recipients who could not receive them immediately.
type Repository struct {
	serial *database.Serial
}

// NewRepository wires the offline delivery queue over the serialized store
// worker.
func NewRepository(serial *database.Serial) *Repository {
	return &Repository{serial: serial}
}

// Enqueue writes one parent record and one child row per item as a single
// transaction: either everything commits or nothing does. A half-written
// record (refund saved, items lost, or vice versa) silently destroys
// value, so partial commits are never acceptable here.
func (r *Repository) Enqueue(ctx context.Context, recipientID string, refundAmount float64, items [][]byte) error {
	if recipientID == "" {
		return errors.New("recipient id is required")
	}
	if refundAmount < 0 {
		return errors.New("refund amount must not be negative")
	}
	if refundAmount == 0 && len(items) == 0 {
		return errors.New("nothing to enqueue")
	}
	ctx, span := repoTracer.Start(ctx, "OfflineRepository.Enqueue", trace.WithAttributes(
		attribute.String("recipient.id", recipientID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	err := r.serial.Do(ctx, "offline.enqueue", func(ctx context.Context, db bun.IDB) error {
		return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			parent := &entity.OfflineDelivery{
				RecipientID:  recipientID,
				RefundAmount: refundAmount,
			}
			if _, err := tx.NewInsert().Model(parent).Exec(ctx); err != nil {
				return err
			}
			for _, blob := range items {
				item := &entity.OfflineDeliveryItem{
					DeliveryID: parent.ID,
					ItemBlob:   blob,
				}
				if _, err := tx.NewInsert().Model(item).Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
	}
	return err
}

// DrainOne atomically takes the oldest pending record for the recipient:
// the parent row and its items are selected and deleted in one
// transaction, so the same compensation can never be delivered twice.
// Returns nil when nothing is pending.
//
// Multiple records may accumulate per recipient; callers that want to
// flush everything must loop until DrainOne returns nil.
func (r *Repository) DrainOne(ctx context.Context, recipientID string) (*Record, error) {
	ctx, span := repoTracer.Start(ctx, "OfflineRepository.DrainOne", trace.WithAttributes(attribute.String("recipient.id", recipientID)))
	defer span.End()

	var record *Record
	err := r.serial.Do(ctx, "offline.drain_one", func(ctx context.Context, db bun.IDB) error {
		return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			parent := new(entity.OfflineDelivery)
			err := tx.NewSelect().Model(parent).
				Where("recipient_id = ?", recipientID).
				Order("id ASC").
				Limit(1).
				Scan(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}

			var items []entity.OfflineDeliveryItem
			if err := tx.NewSelect().Model(&items).
				Where("delivery_id = ?", parent.ID).
				Order("id ASC").
				Scan(ctx); err != nil {
				return err
			}

			if _, err := tx.NewDelete().Model((*entity.OfflineDeliveryItem)(nil)).
				Where("delivery_id = ?", parent.ID).
				Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().Model((*entity.OfflineDelivery)(nil)).
				Where("id = ?", parent.ID).
				Exec(ctx); err != nil {
				return err
			}

			blobs := make([][]byte, 0, len(items))
			for _, item := range items {
				blobs = append(blobs, item.ItemBlob)
			}
			record = &Record{
				ID:           parent.ID,
				RecipientID:  parent.RecipientID,
				RefundAmount: parent.RefundAmount,
				Items:        blobs,
			}
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
		return nil, err
	}
	if record != nil {
		span.SetAttributes(attribute.Int("items.drained", len(record.Items)))
	}
	return record, nil
}

// PendingCount reports how many records are queued for the recipient.
func (r *Repository) PendingCount(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := r.serial.Do(ctx, "offline.pending_count", func(ctx context.Context, db bun.IDB) error {
		var err error
		count, err = db.NewSelect().Model((*entity.OfflineDelivery)(nil)).
			Where("recipient_id = ?", recipientID).
			Count(ctx)
		return err
	})
	return count, err
}
