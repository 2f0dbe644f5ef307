package order

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/dto"
	"github.com/Additional-Code/tradepost/internal/entity"
	"github.com/Additional-Code/tradepost/internal/presentation/http/response"
	service "github.com/Additional-Code/tradepost/internal/service/order"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/tradepost/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with the provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.place)
	g.GET("/active", h.listActive)
	g.GET("/:id", h.getByID)
	g.POST("/:id/deliveries", h.applyDelivery)
	g.POST("/:id/status", h.setStatus)
	g.DELETE("/:id", h.purge)

	e.GET("/owners/:owner_id/orders", h.listForOwner)
}

func (h *Handler) place(c echo.Context) error {
	b := response.New(c)

	var req dto.PlaceOrderRequest
	if err := c.Bind(&req); err != nil {
		return b.WithError(errorbank.BadRequest("invalid request body", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.place", trace.WithAttributes(attribute.String("order.owner", req.OwnerID)))
	defer span.End()

	place := service.PlaceOrder{
		OwnerID:   req.OwnerID,
		OwnerName: req.OwnerName,
		Item:      toDescriptor(req.Item),
		TotalQty:  req.TotalQty,
		UnitPrice: req.UnitPrice,
	}
	if req.ExpiresAt != nil {
		place.ExpiresAt = *req.ExpiresAt
	}

	order, err := h.svc.Place(ctx, place)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(201).WithData(h.toDTO(order)).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order, err := h.svc.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(h.toDTO(order)).Build()
}

func (h *Handler) listActive(c echo.Context) error {
	b := response.New(c)

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.listActive")
	defer span.End()

	orders, err := h.svc.ListActive(ctx)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(h.toDTOs(orders)).WithMeta("count", len(orders)).Build()
}

func (h *Handler) listForOwner(c echo.Context) error {
	b := response.New(c)

	ownerID := c.Param("owner_id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.listForOwner", trace.WithAttributes(attribute.String("order.owner", ownerID)))
	defer span.End()

	orders, err := h.svc.ListForOwner(ctx, ownerID)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(h.toDTOs(orders)).WithMeta("count", len(orders)).Build()
}

func (h *Handler) applyDelivery(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var req dto.DeliveryRequest
	if err := c.Bind(&req); err != nil {
		return b.WithError(errorbank.BadRequest("invalid request body", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.applyDelivery", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.Int64("order.delta", req.Quantity),
	))
	defer span.End()

	delivered, err := h.svc.ApplyDelivery(ctx, id, req.Quantity)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.DeliveryResponse{OrderID: id, Delivered: delivered}).Build()
}

func (h *Handler) setStatus(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var req dto.StatusRequest
	if err := c.Bind(&req); err != nil {
		return b.WithError(errorbank.BadRequest("invalid request body", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.setStatus", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if err := h.svc.SetStatus(ctx, id, req.Status); err != nil {
		return b.WithError(err).Build()
	}

	order, err := h.svc.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(h.toDTO(order)).Build()
}

func (h *Handler) purge(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.purge", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if err := h.svc.Purge(ctx, id); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(204).Build()
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errorbank.BadRequest("invalid id", errorbank.WithCause(err))
	}
	return id, nil
}

func toDescriptor(item dto.Item) codec.ItemDescriptor {
	return codec.ItemDescriptor{
		TypeID:   item.TypeID,
		Quantity: item.Quantity,
		Meta:     item.Meta,
	}
}

func (h *Handler) toDTO(order *entity.Order) dto.OrderResponse {
	resp := dto.OrderResponse{
		ID:           order.ID,
		OwnerID:      order.OwnerID,
		OwnerName:    order.OwnerName,
		TotalQty:     order.TotalQty,
		UnitPrice:    order.UnitPrice,
		DeliveredQty: order.DeliveredQty,
		Status:       order.Status,
		CreatedAt:    order.CreatedAt,
		ExpiresAt:    order.ExpiresAt,
	}
	// A corrupt stored blob leaves Item nil; the order itself is still
	// returned.
	if item, err := h.svc.Item(order); err == nil {
		resp.Item = &dto.Item{TypeID: item.TypeID, Quantity: item.Quantity, Meta: item.Meta}
	}
	return resp
}

func (h *Handler) toDTOs(orders []entity.Order) []dto.OrderResponse {
	out := make([]dto.OrderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, h.toDTO(&orders[i]))
	}
	return out
}
