package transaction

import "go.uber.org/fx"

// Module exposes the transaction manager via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
