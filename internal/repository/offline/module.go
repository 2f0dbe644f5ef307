package offline

import "go.uber.org/fx"

// Module provides the offline delivery queue to Fx.
var Module = fx.Provide(NewRepository)
