package escrow

import "go.uber.org/fx"

// Module provides the escrow service to Fx.
var Module = fx.Provide(NewService)
