package app

// Every module sbeat ships registers itself from init. Importing them here
// compiles them into the binaries that use this package.
import (
	_ "github.com/flemzord/sbeat/internal/beat"
	_ "github.com/flemzord/sbeat/internal/gateway"
	_ "github.com/flemzord/sbeat/modules/control/redis"
	_ "github.com/flemzord/sbeat/modules/lease/redis"
	_ "github.com/flemzord/sbeat/modules/sink/log"
	_ "github.com/flemzord/sbeat/modules/sink/redis"
	_ "github.com/flemzord/sbeat/modules/store/memory"
	_ "github.com/flemzord/sbeat/modules/store/postgres"
	_ "github.com/flemzord/sbeat/modules/store/sqlite"
	_ "github.com/flemzord/sbeat/modules/telemetry/otel"
)
