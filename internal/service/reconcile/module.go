package reconcile

import "go.uber.org/fx"

// Module provides the reconciliation service with log-only default
// collaborators; hosts replace them with fx.Replace or fx.Decorate.
var Module = fx.Options(
	fx.Provide(
		NewService,
		NewLogCurrencyLedger,
		NewLogInventoryAcceptor,
		NewLogOverflowSink,
	),
)
