package cdr

import "go.uber.org/fx"

var Module = fx.Module("cdr.engine",
	fx.Provide(New),
)
