package delivery

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/dto"
	"github.com/Additional-Code/tradepost/internal/presentation/http/response"
	service "github.com/Additional-Code/tradepost/internal/service/reconcile"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/tradepost/transport/http/delivery")

// Handler exposes the offline delivery queue over HTTP: enqueueing
// compensation and the manual reconcile escape hatch.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs a delivery Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with the provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	e.POST("/deliveries", h.enqueue)
	e.GET("/recipients/:recipient_id/deliveries", h.pending)
	e.POST("/recipients/:recipient_id/reconcile", h.reconcile)
}

func (h *Handler) enqueue(c echo.Context) error {
	b := response.New(c)

	var req dto.EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return b.WithError(errorbank.BadRequest("invalid request body", errorbank.WithCause(err))).Build()
	}
	if req.RecipientID == "" {
		return b.WithError(errorbank.BadRequest("recipient_id is required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.enqueue", trace.WithAttributes(
		attribute.String("recipient.id", req.RecipientID),
		attribute.Int("items", len(req.Items)),
	))
	defer span.End()

	items := make([]codec.ItemDescriptor, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, codec.ItemDescriptor{
			TypeID:   item.TypeID,
			Quantity: item.Quantity,
			Meta:     item.Meta,
		})
	}

	if err := h.svc.Enqueue(ctx, req.RecipientID, req.RefundAmount, items); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(201).Build()
}

func (h *Handler) pending(c echo.Context) error {
	b := response.New(c)

	recipientID := c.Param("recipient_id")

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.pending", trace.WithAttributes(attribute.String("recipient.id", recipientID)))
	defer span.End()

	count, err := h.svc.Pending(ctx, recipientID)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.PendingResponse{RecipientID: recipientID, Pending: count}).Build()
}

func (h *Handler) reconcile(c echo.Context) error {
	b := response.New(c)

	recipientID := c.Param("recipient_id")

	ctx, span := httpTracer.Start(c.Request().Context(), "deliveries.reconcile", trace.WithAttributes(attribute.String("recipient.id", recipientID)))
	defer span.End()

	// The manual trigger skips the settle delay: an operator calling this
	// endpoint already knows the recipient is ready.
	stats, err := h.svc.Reconcile(ctx, recipientID)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.ReconcileResponse{
		RecipientID:    recipientID,
		Records:        stats.Records,
		ItemsDelivered: stats.ItemsDelivered,
		ItemsSpilled:   stats.ItemsSpilled,
		Refunded:       stats.Refunded,
	}).Build()
}
