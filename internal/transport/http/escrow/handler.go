package escrow

import (
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/tradepost/internal/codec"
	"github.com/Additional-Code/tradepost/internal/dto"
	"github.com/Additional-Code/tradepost/internal/presentation/http/response"
	service "github.com/Additional-Code/tradepost/internal/service/escrow"
	"github.com/Additional-Code/tradepost/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/Additional-Code/tradepost/transport/http/escrow")

// Handler exposes escrow endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an escrow Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with the provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders/:id/escrow")
	g.POST("", h.deposit)
	g.GET("", h.hasEntries)
	g.POST("/claim", h.claimAll)
}

func (h *Handler) deposit(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var req dto.DepositRequest
	if err := c.Bind(&req); err != nil {
		return b.WithError(errorbank.BadRequest("invalid request body", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "escrow.deposit", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	item := codec.ItemDescriptor{
		TypeID:   req.Item.TypeID,
		Quantity: req.Item.Quantity,
		Meta:     req.Item.Meta,
	}
	if err := h.svc.Deposit(ctx, id, item); err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(201).Build()
}

func (h *Handler) hasEntries(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "escrow.hasEntries", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	has, err := h.svc.HasEntries(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithData(dto.EscrowHintResponse{OrderID: id, HasEntries: has}).Build()
}

func (h *Handler) claimAll(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "escrow.claimAll", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	items, err := h.svc.ClaimAll(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}

	out := make([]dto.Item, 0, len(items))
	for _, item := range items {
		out = append(out, dto.Item{TypeID: item.TypeID, Quantity: item.Quantity, Meta: item.Meta})
	}
	return b.WithData(dto.ClaimResponse{OrderID: id, Items: out}).Build()
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errorbank.BadRequest("invalid id", errorbank.WithCause(err))
	}
	return id, nil
}
