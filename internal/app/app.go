package app

import (
	"go.uber.org/fx"

	"github.com/Additional-Code/tradepost/internal/cache"
	"github.com/Additional-Code/tradepost/internal/config"
	"github.com/Additional-Code/tradepost/internal/database"
	"github.com/Additional-Code/tradepost/internal/logger"
	"github.com/Additional-Code/tradepost/internal/messaging"
	"github.com/Additional-Code/tradepost/internal/observability"
	repositoryescrow "github.com/Additional-Code/tradepost/internal/repository/escrow"
	repositoryoffline "github.com/Additional-Code/tradepost/internal/repository/offline"
	repositoryorder "github.com/Additional-Code/tradepost/internal/repository/order"
	grpcserver "github.com/Additional-Code/tradepost/internal/server/grpc"
	httpserver "github.com/Additional-Code/tradepost/internal/server/http"
	serviceescrow "github.com/Additional-Code/tradepost/internal/service/escrow"
	serviceorder "github.com/Additional-Code/tradepost/internal/service/order"
	servicereconcile "github.com/Additional-Code/tradepost/internal/service/reconcile"
	transporthttp "github.com/Additional-Code/tradepost/internal/transport/http"
	"github.com/Additional-Code/tradepost/internal/worker"
	workerpresence "github.com/Additional-Code/tradepost/internal/worker/presence"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	repositoryorder.Module,
	repositoryescrow.Module,
	repositoryoffline.Module,
	serviceorder.Module,
	serviceescrow.Module,
	servicereconcile.Module,
)

// HTTP wires the HTTP transport on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	transporthttp.Module,
)

// GRPC adds the gRPC server (health service + interceptors).
var GRPC = fx.Options(
	HTTP,
	grpcserver.Module,
)

// Worker exposes background presence-event processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerpresence.Module,
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
