// Package config is the top-level Config struct for an embedding
// application wiring this module, loaded from the environment the same way
// the teacher's bootstrap packages load their per-component Config (an
// `env:"NAME"` tagged struct populated by internal/envcfg.Load, generalized
// from the teacher's own reflection-based common/os.go helper rather than a
// heavier framework).
package config

import (
	"fmt"

	"github.com/joho/godotenv"

	"github.com/meshline/groupcore/internal/console"
	"github.com/meshline/groupcore/internal/envcfg"
)

// LoadLocalEnv prints a startup banner and, when ENV_NAME is "local" (the
// default), loads a .env file into the process environment before Load
// reads it. Adapted from the teacher's common/os.go InitLocalEnvConfig: a
// missing .env file is logged and otherwise ignored, since a packaged or
// containerized deployment has no .env to find and sets its environment
// some other way. godotenv.Load never overrides a variable already present
// in the environment, so calling this more than once is harmless.
//
// Call this before Load in a cmd/main that expects to run from a local
// checkout with a .env file; library embedders that already own their
// process environment can skip it.
func LoadLocalEnv() {
	envName := envcfg.GetOrDefault("ENV_NAME", "local")

	fmt.Println(console.Title("groupcore local environment"))
	fmt.Printf("ENV_NAME (%s)\n", envName)

	if envName == "local" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file found, using the process environment as-is")
		} else {
			fmt.Println("loaded env vars from .env")
		}
	}

	fmt.Println(console.Line(console.DefaultLineSize))
}

// Config is every environment-tunable setting this module's composition
// root (internal/app) needs. It covers only the ambient concerns this
// module owns (storage location, logging, telemetry, the debug server, and
// the association-state cache); the MLS/identity/transport collaborators
// themselves are supplied as Go values by the embedding application, not
// read from the environment, since they are live ports not configuration.
type Config struct {
	// DBPath is the sqlite file backing every repository in this module.
	DBPath string `env:"GROUPCORE_DB_PATH,groupcore.db"`

	// LogLevel parses via mlog.ParseLevel; unrecognized values fall back
	// to info, matching ParseLevel's own default.
	LogLevel string `env:"GROUPCORE_LOG_LEVEL,info"`

	// OtelServiceName and OtelServiceVersion tag every exported span.
	OtelServiceName    string `env:"OTEL_RESOURCE_SERVICE_NAME,groupcore"`
	OtelServiceVersion string `env:"OTEL_RESOURCE_SERVICE_VERSION,0.0.0"`

	// OtelExporterEndpoint is the OTLP collector address. Left blank, the
	// tracer provider stays in no-op mode (telemetry.Start's documented
	// default) since an on-device client has nowhere local to ship spans.
	OtelExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT,"`

	// EnableDebugServer toggles internal/debugserver. Off by default since
	// it is an operator-attach surface, not part of the normal runtime
	// path.
	EnableDebugServer bool `env:"GROUPCORE_DEBUG_SERVER_ENABLED,false"`
	// DebugServerAddress is the listen address used when the debug server
	// is enabled.
	DebugServerAddress string `env:"GROUPCORE_DEBUG_SERVER_ADDRESS,127.0.0.1:9191"`

	// AssocCacheSize bounds the association-state LRU (internal/assoccache).
	AssocCacheSize int `env:"GROUPCORE_ASSOC_CACHE_SIZE,4096"`
}

// Load populates a Config from the environment, defaulting every field not
// set.
func Load() (Config, error) {
	cfg := Config{}
	if err := envcfg.Load(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
