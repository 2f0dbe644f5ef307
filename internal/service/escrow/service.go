package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/cache"
	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/database"
	repoescrow "github.com/Additional-Code/tradepost/internal/repository/escrow"
	repoorder "github.com/Additional-Code/tradepost/internal/repository/order"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/tradepost/service/escrow")

// hintTTL keeps the has-entries hint fresh enough for UI purposes without
// hammering the store worker on every render.
const hintTTL = 30 * time.Second

// Service wraps the escrow ledger with descriptor coding, hint caching and
// error mapping.
type Service struct {
	escrow *repoescrow.Repository
	orders *repoorder.Repository
	cache  cache.Store
	logger *zap.Logger
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Escrow *repoescrow.Repository
	Orders *repoorder.Repository
	Cache  cache.Store
	Config config.Config
	Logger *zap.Logger
}

// NewService wires a new escrow Service.
func NewService(p Params) *Service {
	return &Service{
		escrow: p.Escrow,
		orders: p.Orders,
		cache:  p.Cache,
		logger: p.Logger,
	}
}

// Deposit holds one batch of items against the order until its owner
// claims them. The owner id is denormalized onto the entry from the order.
func (s *Service) Deposit(ctx context.Context, orderID int64, item codec.ItemDescriptor) error {
	ctx, span := serviceTracer.Start(ctx, "EscrowService.Deposit", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repoorder.ErrNotFound) {
			return errorbank.NotFound("order not found")
		}
		return storeError("failed to load order for deposit", err)
	}

	blob, err := codec.Encode(item)
	if err != nil {
		return errorbank.BadRequest("invalid item descriptor", errorbank.WithCause(err))
	}

	if err := s.escrow.Deposit(ctx, orderID, order.OwnerID, blob); err != nil {
		span.RecordError(err)
		return storeError("failed to deposit into escrow", err)
	}

	s.setHint(ctx, orderID, true)
	return nil
}

// HasEntries reports whether the order has unclaimed escrow. A cached hint
// is served when fresh; it is for UI visibility only, never correctness.
func (s *Service) HasEntries(ctx context.Context, orderID int64) (bool, error) {
	ctx, span := serviceTracer.Start(ctx, "EscrowService.HasEntries", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	if hint, ok := s.getHint(ctx, orderID); ok {
		return hint, nil
	}

	has, err := s.escrow.HasEntries(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return false, storeError("failed to check escrow", err)
	}
	s.setHint(ctx, orderID, has)
	return has, nil
}

// ClaimAll atomically takes everything held for the order and returns the
// decoded descriptors. A corrupt blob is logged and skipped; it never
// aborts the claim of the remaining entries.
func (s *Service) ClaimAll(ctx context.Context, orderID int64) ([]codec.ItemDescriptor, error) {
	ctx, span := serviceTracer.Start(ctx, "EscrowService.ClaimAll", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	blobs, err := s.escrow.ClaimAll(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, storeError("failed to claim escrow", err)
	}

	items := make([]codec.ItemDescriptor, 0, len(blobs))
	for i, blob := range blobs {
		item, err := codec.Decode(blob)
		if err != nil {
			s.logger.Warn("skipping corrupt escrow blob",
				zap.Int64("order_id", orderID),
				zap.Int("entry", i),
				zap.Error(err),
			)
			continue
		}
		items = append(items, item)
	}

	s.setHint(ctx, orderID, false)
	span.SetAttributes(attribute.Int("escrow.claimed", len(items)))
	return items, nil
}

func storeError(message string, err error) error {
	if errors.Is(err, database.ErrUnavailable) {
		return errorbank.Unavailable(message, errorbank.WithCause(err))
	}
	return errorbank.Internal(message, errorbank.WithCause(err))
}

func hintKey(orderID int64) string {
	return fmt.Sprintf("escrow:hint:%d", orderID)
}

func (s *Service) getHint(ctx context.Context, orderID int64) (bool, bool) {
	if s.cache == nil {
		return false, false
	}
	raw, err := s.cache.Get(ctx, hintKey(orderID))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("escrow hint read failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
		return false, false
	}
	hint, err := strconv.ParseBool(string(raw))
	if err != nil {
		return false, false
	}
	return hint, true
}

func (s *Service) setHint(ctx context.Context, orderID int64, has bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, hintKey(orderID), []byte(strconv.FormatBool(has)), hintTTL); err != nil {
		s.logger.Warn("escrow hint write failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}
