package escrow

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/tradepost/repository/escrow")

// Repository is the escrow ledger: an append-only collection of item
// deliveries held against orders, with atomic claim-everything semantics.
type Repository struct {
	serial *database.Serial
	logger *zap.Logger
}

// NewRepository wires an escrow repository over the serialized store worker.
func NewRepository(serial *database.Serial, logger *zap.Logger) *Repository {
	return &Repository{serial: serial, logger: logger}
}

// Deposit appends one entry for the order.
func (r *Repository) Deposit(ctx context.Context, orderID int64, ownerID string, itemBlob []byte) error {
	if len(itemBlob) == 0 {
		return errors.New("empty item blob")
	}
	ctx, span := repoTracer.Start(ctx, "EscrowRepository.Deposit", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	entry := &entity.EscrowEntry{
		OrderID:  orderID,
		OwnerID:  ownerID,
		ItemBlob: itemBlob,
	}
	err := r.serial.Do(ctx, "escrow.deposit", func(ctx context.Context, db bun.IDB) error {
		_, err := db.NewInsert().Model(entry).Exec(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// HasEntries reports whether any entries exist for the order. It is a UI
// hint, not authoritative: a claim may race past it.
func (r *Repository) HasEntries(ctx context.Context, orderID int64) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "EscrowRepository.HasEntries", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	var exists bool
	err := r.serial.Do(ctx, "escrow.has_entries", func(ctx context.Context, db bun.IDB) error {
		var err error
		exists, err = db.NewSelect().Model((*entity.EscrowEntry)(nil)).
			Where("order_id = ?", orderID).
			Exists(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return exists, nil
}

// ClaimAll selects every entry for the order and deletes them as one
// atomic unit, returning the item blobs. Two back-to-back calls yield the
// full set once and an empty set the second time; no entry is ever
// returned by two different calls.
func (r *Repository) ClaimAll(ctx context.Context, orderID int64) ([][]byte, error) {
	ctx, span := repoTracer.Start(ctx, "EscrowRepository.ClaimAll", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	var blobs [][]byte
	err := r.serial.Do(ctx, "escrow.claim_all", func(ctx context.Context, db bun.IDB) error {
		return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			var entries []entity.EscrowEntry
			if err := tx.NewSelect().Model(&entries).
				Where("order_id = ?", orderID).
				Order("id ASC").
				Scan(ctx); err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}

			ids := make([]int64, 0, len(entries))
			claimed := make([][]byte, 0, len(entries))
			for _, e := range entries {
				ids = append(ids, e.ID)
				claimed = append(claimed, e.ItemBlob)
			}

			if _, err := tx.NewDelete().Model((*entity.EscrowEntry)(nil)).
				Where("id IN (?)", bun.In(ids)).
				Exec(ctx); err != nil {
				// The caller already holds the selected blobs in memory;
				// losing the delete risks double delivery.
				r.logger.Error("escrow claim delete failed, lost-claim risk",
					zap.Int64("order_id", orderID),
					zap.Int("entries", len(ids)),
					zap.Error(err),
				)
				return err
			}

			blobs = claimed
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("escrow.claimed", len(blobs)))
	return blobs, nil
}
