package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/tradepost/internal/cache"
	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/entity"
	"github.com/Additional-Code/tradepost/internal/messaging"
	repo "github.com/Additional-Code/tradepost/internal/repository/order"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/Additional-Code/tradepost/service/order")

// PlaceOrder carries the terms of a new standing order.
type PlaceOrder struct {
	OwnerID   string
	OwnerName string
	Item      codec.ItemDescriptor
	TotalQty  int64
	UnitPrice float64
	ExpiresAt time.Time
}

// Service encapsulates business logic around orders.
type Service struct {
	repo      *repo.Repository
	cache     cache.Store
	cacheTTL  time.Duration
	logger    *zap.Logger
	publisher messaging.Client
	engine    config.Engine
	messaging messagingConfig
}

// messagingConfig contains messaging specific knobs we care about.
type messagingConfig struct {
	enabled bool
	topic   string
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository *repo.Repository
	Cache      cache.Store
	Config     config.Config
	Logger     *zap.Logger
	Publisher  messaging.Client
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{
		repo:      p.Repository,
		cache:     p.Cache,
		cacheTTL:  p.Config.Cache.DefaultTTL,
		logger:    p.Logger,
		publisher: p.Publisher,
		engine:    p.Config.Engine,
		messaging: messagingConfig{
			enabled: p.Config.Messaging.Enabled,
			topic:   p.Config.Messaging.Kafka.Topic,
		},
	}
}

// Place validates and persists a new ACTIVE order, returning it with its
// assigned id.
func (s *Service) Place(ctx context.Context, req PlaceOrder) (*entity.Order, error) {
	if req.OwnerID == "" {
		return nil, errorbank.BadRequest("owner id is required")
	}
	if req.TotalQty <= 0 {
		return nil, errorbank.BadRequest("total quantity must be positive")
	}
	if req.UnitPrice < 0 {
		return nil, errorbank.BadRequest("unit price must not be negative")
	}

	ctx, span := serviceTracer.Start(ctx, "OrderService.Place", trace.WithAttributes(attribute.String("order.owner", req.OwnerID)))
	defer span.End()

	blob, err := codec.Encode(req.Item)
	if err != nil {
		return nil, errorbank.BadRequest("invalid item descriptor", errorbank.WithCause(err))
	}

	now := time.Now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.engine.DefaultOrderTTL)
	}
	if !expiresAt.After(now) {
		return nil, errorbank.BadRequest("expiry must be in the future")
	}

	if s.engine.MaxOrdersPerOwner > 0 {
		open, err := s.repo.CountOpenByOwner(ctx, req.OwnerID)
		if err != nil {
			return nil, storeError("failed to count open orders", err)
		}
		if open >= s.engine.MaxOrdersPerOwner {
			return nil, errorbank.Rejected("open order limit reached",
				errorbank.WithDetail("limit", s.engine.MaxOrdersPerOwner))
		}
	}

	order := &entity.Order{
		OwnerID:   req.OwnerID,
		OwnerName: req.OwnerName,
		ItemBlob:  blob,
		TotalQty:  req.TotalQty,
		UnitPrice: req.UnitPrice,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	if err := s.repo.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, storeError("failed to place order", err)
	}

	if err := s.storeInCache(ctx, order); err != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", order.ID), zap.Error(err))
	}

	s.publishEvent(ctx, EventOrderPlaced, order)
	return order, nil
}

// Get retrieves an order by id, consulting cache when available.
func (s *Service) Get(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if order, err := s.getFromCache(ctx, id); err == nil {
		return order, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("orders cache read failed", zap.Int64("id", id), zap.Error(err))
	}

	order, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, storeError("failed to load order", err)
	}

	if err := s.storeInCache(ctx, order); err != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", id), zap.Error(err))
	}

	return order, nil
}

// ListActive returns all currently ACTIVE orders. Served straight from the
// store: the lazy expiry reconciliation must run on every call, so a
// cached listing would defeat the visibility guarantee.
func (s *Service) ListActive(ctx context.Context) ([]entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.ListActive")
	defer span.End()

	orders, err := s.repo.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, storeError("failed to list active orders", err)
	}
	return orders, nil
}

// ListForOwner returns every order belonging to the owner.
func (s *Service) ListForOwner(ctx context.Context, ownerID string) ([]entity.Order, error) {
	if ownerID == "" {
		return nil, errorbank.BadRequest("owner id is required")
	}
	ctx, span := serviceTracer.Start(ctx, "OrderService.ListForOwner", trace.WithAttributes(attribute.String("order.owner", ownerID)))
	defer span.End()

	orders, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		span.RecordError(err)
		return nil, storeError("failed to list owner orders", err)
	}
	return orders, nil
}

// ApplyDelivery credits delta units toward the order. A delivery that
// would overshoot the total is rejected as a whole; the caller must return
// the items to the fulfiller. Returns the new delivered total.
func (s *Service) ApplyDelivery(ctx context.Context, id, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, errorbank.BadRequest("delivery quantity must be positive")
	}
	ctx, span := serviceTracer.Start(ctx, "OrderService.ApplyDelivery", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.Int64("order.delta", delta),
	))
	defer span.End()

	delivered, err := s.repo.ApplyDelivery(ctx, id, delta)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return 0, errorbank.NotFound("order not found")
		case errors.Is(err, repo.ErrRejected):
			return 0, errorbank.Rejected("delivery exceeds remaining quantity")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return 0, storeError("failed to apply delivery", err)
	}

	s.invalidateCache(ctx, id)

	order, err := s.repo.GetByID(ctx, id)
	if err == nil && order.Status == entity.StatusFulfilled {
		s.publishEvent(ctx, EventOrderFulfilled, order)
	}

	return delivered, nil
}

// SetStatus moves an order into a terminal status, forward-only.
func (s *Service) SetStatus(ctx context.Context, id int64, status string) error {
	if !entity.ValidStatus(status) {
		return errorbank.BadRequest("unknown order status", errorbank.WithDetail("status", status))
	}
	ctx, span := serviceTracer.Start(ctx, "OrderService.SetStatus", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.status", status),
	))
	defer span.End()

	if err := s.repo.SetStatus(ctx, id, status); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return errorbank.NotFound("order not found")
		case errors.Is(err, repo.ErrInvalidTransition):
			return errorbank.Conflict("order is no longer active")
		}
		span.RecordError(err)
		return storeError("failed to update order status", err)
	}

	s.invalidateCache(ctx, id)

	if status == entity.StatusCancelled {
		if order, err := s.repo.GetByID(ctx, id); err == nil {
			s.publishEvent(ctx, EventOrderCancelled, order)
		}
	}
	return nil
}

// Cancel is a convenience wrapper for the CANCELLED transition.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	return s.SetStatus(ctx, id, entity.StatusCancelled)
}

// Purge removes an order and its escrow entries. Administrative use only.
func (s *Service) Purge(ctx context.Context, id int64) error {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Purge", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		return storeError("failed to purge order", err)
	}
	s.invalidateCache(ctx, id)
	return nil
}

// Item decodes the order's stored item descriptor.
func (s *Service) Item(order *entity.Order) (codec.ItemDescriptor, error) {
	item, err := codec.Decode(order.ItemBlob)
	if err != nil {
		return codec.ItemDescriptor{}, errorbank.Internal("stored item blob is corrupt", errorbank.WithCause(err))
	}
	return item, nil
}

func storeError(message string, err error) error {
	if errors.Is(err, database.ErrUnavailable) {
		return errorbank.Unavailable(message, errorbank.WithCause(err))
	}
	return errorbank.Internal(message, errorbank.WithCause(err))
}

func (s *Service) publishEvent(ctx context.Context, eventType string, order *entity.Order) {
	if !s.messaging.enabled || s.publisher == nil {
		return
	}
	event := OrderEvent{
		Type:         eventType,
		ID:           order.ID,
		OwnerID:      order.OwnerID,
		Status:       order.Status,
		TotalQty:     order.TotalQty,
		DeliveredQty: order.DeliveredQty,
		UnitPrice:    order.UnitPrice,
		OccurredAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal order event", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, []byte(fmt.Sprintf("order-%d", order.ID)), payload); err != nil {
		s.logger.Error("publish order event", zap.String("type", eventType), zap.Error(err))
	}
}

func (s *Service) cacheKey(id int64) string {
	return fmt.Sprintf("orders:%d", id)
}

func (s *Service) getFromCache(ctx context.Context, id int64) (*entity.Order, error) {
	if s.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	bytes, err := s.cache.Get(ctx, s.cacheKey(id))
	if err != nil {
		return nil, err
	}
	var order entity.Order
	if err := json.Unmarshal(bytes, &order); err != nil {
		return nil, err
	}
	// A cached ACTIVE order may have expired since it was written; fall
	// through to the store so the expiry correction runs there.
	if order.Status == entity.StatusActive && order.Expired(time.Now().UTC()) {
		return nil, cache.ErrCacheMiss
	}
	return &order, nil
}

func (s *Service) storeInCache(ctx context.Context, order *entity.Order) error {
	if s.cache == nil || order == nil {
		return nil
	}
	bytes, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.cacheKey(order.ID), bytes, s.cacheTTL)
}

func (s *Service) invalidateCache(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, s.cacheKey(id)); err != nil {
		s.logger.Warn("orders cache invalidate failed", zap.Int64("id", id), zap.Error(err))
	}
}

// Order event types published to the bus.
const (
	EventOrderPlaced    = "order.placed"
	EventOrderFulfilled = "order.fulfilled"
	EventOrderCancelled = "order.cancelled"
)

// OrderEvent is emitted on order lifecycle changes.
type OrderEvent struct {
	Type         string    `json:"type"`
	ID           int64     `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Status       string    `json:"status"`
	TotalQty     int64     `json:"total_qty"`
	DeliveredQty int64     `json:"delivered_qty"`
	UnitPrice    float64   `json:"unit_price"`
	OccurredAt   time.Time `json:"occurred_at"`
}
