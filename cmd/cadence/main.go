package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/calltrace/cadence/internal/backend"
	"github.com/calltrace/cadence/internal/backend/csvsink"
	"github.com/calltrace/cadence/internal/backend/redissink"
	"github.com/calltrace/cadence/internal/backend/sqlsink"
	"github.com/calltrace/cadence/internal/batch"
	"github.com/calltrace/cadence/internal/cdr"
	"github.com/calltrace/cadence/internal/cdr/events"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	"github.com/calltrace/cadence/internal/console"
	"github.com/calltrace/cadence/internal/observability/logger"
	"github.com/calltrace/cadence/internal/server"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(registerSnowflake),

		backend.Module,
		batch.Module,
		cdr.Module,
		events.Module,

		console.Module,
		server.Module,

		fx.Invoke(registerBackends),
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// registerBackends wires the sinks enabled by configuration into the
// registry before the first drain can happen.
func registerBackends(cfg config.Config, log *zap.Logger, registry *backend.Registry) error {
	if cfg.CSVEnabled {
		if err := registry.Register("cdr-csv", "Comma Separated Values CDR Backend", csvsink.New(cfg.CSVPath)); err != nil {
			return err
		}
	}

	if cfg.SQLEnabled {
		sink, err := sqlsink.Open(cfg.SQLDSN)
		if err != nil {
			return err
		}
		if err := registry.Register("cdr-sql", "SQL CDR Backend", sink); err != nil {
			return err
		}
	}

	if cfg.RedisEnabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := registry.Register("cdr-redis", "Redis Stream CDR Backend", redissink.New(client, cfg.RedisStream)); err != nil {
			return err
		}
	}

	if len(registry.Names()) == 0 {
		log.Warn("no CDR backends enabled; records will be discarded at drain")
	}
	return nil
}
