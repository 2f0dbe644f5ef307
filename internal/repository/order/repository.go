package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
)

var repoTracer = otel.Tracer("github.com/Additional-Code/tradepost/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

// ErrRejected is returned when a delivery would push delivered_qty past
// total_qty. It is a normal outcome, not a storage failure: nothing was
// applied and the caller must hand the items back to the fulfiller.
var ErrRejected = errors.New("delivery rejected: exceeds order total")

// ErrInvalidTransition is returned when a status change would move an
// order out of a terminal status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Repository is the order store. Every operation is dispatched onto the
// serialized store worker, so writes from concurrent callers never
// interleave.
type Repository struct {
	serial *database.Serial
}

// NewRepository wires a repository backed by the serialized store worker.
func NewRepository(serial *database.Serial) *Repository {
	return &Repository{serial: serial}
}

// Create persists a new ACTIVE order and fills in its assigned id.
func (r *Repository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.String("order.owner", order.OwnerID)))
	defer span.End()

	order.Status = entity.StatusActive
	order.DeliveredQty = 0

	err := r.serial.Do(ctx, "order.create", func(ctx context.Context, db bun.IDB) error {
		_, err := db.NewInsert().Model(order).Exec(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an order by primary key. Expiry reconciliation runs
// first, so a stale ACTIVE order is never returned.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.serial.Do(ctx, "order.get", func(ctx context.Context, db bun.IDB) error {
		if err := reconcileExpired(ctx, db); err != nil {
			return err
		}
		return db.NewSelect().Model(order).Where("id = ?", id).Scan(ctx)
	})
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// ListActive returns all currently ACTIVE orders. Expiry reconciliation
// runs first, so callers never see a stale ACTIVE order whose expiry has
// passed.
func (r *Repository) ListActive(ctx context.Context) ([]entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListActive")
	defer span.End()

	var orders []entity.Order
	err := r.serial.Do(ctx, "order.list_active", func(ctx context.Context, db bun.IDB) error {
		if err := reconcileExpired(ctx, db); err != nil {
			return err
		}
		return db.NewSelect().Model(&orders).
			Where("status = ?", entity.StatusActive).
			Order("id ASC").
			Scan(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, err
	}
	return orders, nil
}

// ListByOwner returns all orders belonging to one owner, newest last, with
// the same expiry reconciliation guarantee as ListActive.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ListByOwner", trace.WithAttributes(attribute.String("order.owner", ownerID)))
	defer span.End()

	var orders []entity.Order
	err := r.serial.Do(ctx, "order.list_by_owner", func(ctx context.Context, db bun.IDB) error {
		if err := reconcileExpired(ctx, db); err != nil {
			return err
		}
		return db.NewSelect().Model(&orders).
			Where("owner_id = ?", ownerID).
			Order("id ASC").
			Scan(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, err
	}
	return orders, nil
}

// CountOpenByOwner counts ACTIVE orders for one owner.
func (r *Repository) CountOpenByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.serial.Do(ctx, "order.count_open", func(ctx context.Context, db bun.IDB) error {
		if err := reconcileExpired(ctx, db); err != nil {
			return err
		}
		var err error
		count, err = db.NewSelect().Model((*entity.Order)(nil)).
			Where("owner_id = ?", ownerID).
			Where("status = ?", entity.StatusActive).
			Count(ctx)
		return err
	})
	return count, err
}

// ApplyDelivery increases delivered_qty by delta, but only if the result
// stays within total_qty; otherwise nothing is applied and ErrRejected is
// returned. When the new total reaches total_qty the order flips to
// FULFILLED in the same statement. Returns the new delivered total.
func (r *Repository) ApplyDelivery(ctx context.Context, id, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, errors.New("delivery delta must be positive")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ApplyDelivery", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.Int64("order.delta", delta),
	))
	defer span.End()

	var delivered int64
	err := r.serial.Do(ctx, "order.apply_delivery", func(ctx context.Context, db bun.IDB) error {
		if err := reconcileExpired(ctx, db); err != nil {
			return err
		}
		// Single conditional update: the read-then-write increment is a
		// race, this is not. The status CASE comes before the quantity SET
		// so it reads the pre-delivery quantity on engines that apply SET
		// clauses left to right (MySQL).
		res, err := db.NewUpdate().Model((*entity.Order)(nil)).
			Set("status = CASE WHEN delivered_qty + ? >= total_qty THEN ? ELSE status END", delta, entity.StatusFulfilled).
			Set("delivered_qty = delivered_qty + ?", delta).
			Where("id = ?", id).
			Where("status = ?", entity.StatusActive).
			Where("delivered_qty + ? <= total_qty", delta).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			exists, err := db.NewSelect().Model((*entity.Order)(nil)).Where("id = ?", id).Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrRejected
		}
		return db.NewSelect().Model((*entity.Order)(nil)).
			Column("delivered_qty").
			Where("id = ?", id).
			Scan(ctx, &delivered)
	})
	if err != nil {
		if !errors.Is(err, ErrRejected) && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
		}
		return 0, err
	}
	span.SetAttributes(attribute.Int64("order.delivered", delivered))
	return delivered, nil
}

// SetStatus moves an order out of ACTIVE into the given terminal status.
// Transitions are forward-only; an order already in a terminal status is
// never changed.
func (r *Repository) SetStatus(ctx context.Context, id int64, status string) error {
	if !entity.TerminalStatus(status) {
		return ErrInvalidTransition
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.SetStatus", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.status", status),
	))
	defer span.End()

	err := r.serial.Do(ctx, "order.set_status", func(ctx context.Context, db bun.IDB) error {
		if err := reconcileExpired(ctx, db); err != nil {
			return err
		}
		res, err := db.NewUpdate().Model((*entity.Order)(nil)).
			Set("status = ?", status).
			Where("id = ?", id).
			Where("status = ?", entity.StatusActive).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			exists, err := db.NewSelect().Model((*entity.Order)(nil)).Where("id = ?", id).Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
	}
	return err
}

// Delete removes an order and all of its escrow entries in one
// transaction. Used by administrative purge only.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Delete", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	err := r.serial.Do(ctx, "order.delete", func(ctx context.Context, db bun.IDB) error {
		return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().Model((*entity.EscrowEntry)(nil)).
				Where("order_id = ?", id).
				Exec(ctx); err != nil {
				return err
			}
			res, err := tx.NewDelete().Model((*entity.Order)(nil)).
				Where("id = ?", id).
				Exec(ctx)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return ErrNotFound
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
	}
	return err
}

// reconcileExpired lazily flips every ACTIVE order whose expiry has passed
// to EXPIRED. Runs first inside every op that reads or guards on ACTIVE,
// so an expired order is never reported as ACTIVE and never acted upon; no
// background sweep exists, and none is needed because nothing observes an
// order between ops.
func reconcileExpired(ctx context.Context, db bun.IDB) error {
	_, err := db.NewUpdate().Model((*entity.Order)(nil)).
		Set("status = ?", entity.StatusExpired).
		Where("status = ?", entity.StatusActive).
		Where("expires_at <= ?", time.Now().UTC()).
		Exec(ctx)
	return err
}
