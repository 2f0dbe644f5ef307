package escrow

import "go.uber.org/fx"

// Module provides the escrow repository to Fx.
var Module = fx.Provide(NewRepository)
