package http

import (
	"go.uber.org/fx"

	deliverytransport "github.com/Additional-Code/tradepost/internal/transport/http/delivery"
	escrowtransport "github.com/Additional-Code/tradepost/internal/transport/http/escrow"
	ordertransport "github.com/Additional-Code/tradepost/internal/transport/http/order"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	escrowtransport.Module,
	deliverytransport.Module,
)
