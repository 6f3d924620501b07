// Package app is this module's composition root: it wires every storage
// repository, the Refresh Cursor Manager, the Commit Validation Pipeline,
// the Group Lock, the Intent Lifecycle Engine, and the Envelope Processor
// into one App, in the same shape as the teacher's bootstrap.InitServers /
// bootstrap.Service pair (components/*/internal/bootstrap/{config,service}.go):
// a single entry point an embedding main package calls once at startup.
//
// What this module does NOT construct is the MLS cryptography itself, the
// identity-update log client, or the transport client: those are live
// collaborators the embedding application owns and passes in as Deps,
// matching every injected-port doc comment elsewhere in this module (the
// actual cryptography and network transport are out of this module's
// scope).
package app

import (
	"context"
	"fmt"

	"github.com/meshline/groupcore/internal/assoccache"
	"github.com/meshline/groupcore/internal/circuitbreaker"
	"github.com/meshline/groupcore/internal/commitlogstore"
	"github.com/meshline/groupcore/internal/commitvalidation"
	"github.com/meshline/groupcore/internal/config"
	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/debugserver"
	"github.com/meshline/groupcore/internal/depresolver"
	"github.com/meshline/groupcore/internal/envelope"
	"github.com/meshline/groupcore/internal/grouplock"
	"github.com/meshline/groupcore/internal/groupstore"
	"github.com/meshline/groupcore/internal/iceboxstore"
	"github.com/meshline/groupcore/internal/identity"
	"github.com/meshline/groupcore/internal/intents"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/keypackagehistory"
	"github.com/meshline/groupcore/internal/messagestore"
	"github.com/meshline/groupcore/internal/mlog"
	"github.com/meshline/groupcore/internal/pendingremove"
	"github.com/meshline/groupcore/internal/readdstatus"
	"github.com/meshline/groupcore/internal/retry"
	"github.com/meshline/groupcore/internal/storage"
	"github.com/meshline/groupcore/internal/telemetry"
	"github.com/meshline/groupcore/internal/transport"
)

// Deps bundles the external collaborators the embedding application must
// supply. Logger is optional; a zap-backed default is built from
// config.Config.LogLevel when left nil.
type Deps struct {
	Identity  identity.Port
	Transport transport.Port
	Crypto    envelope.Crypto
	Policies  envelope.PolicyLoader
	Builder   intents.Builder
	Logger    mlog.Logger
}

// App is every wired component of a running instance.
type App struct {
	cfg       config.Config
	conn      *storage.Connection
	telemetry *telemetry.Telemetry
	log       mlog.Logger

	AssocCache *assoccache.Cache
	Cursors    *cursor.Manager
	Lock       *grouplock.Manager
	Intents    *intents.Engine
	Processor  *envelope.Processor
	Debug      *debugserver.Server
}

// New loads configuration from the environment and wires every component.
// Call Close when the embedding application shuts down.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	return NewWithConfig(ctx, cfg, deps)
}

// NewWithConfig wires every component against an already-loaded Config,
// useful for tests that want to override defaults without environment
// variables.
func NewWithConfig(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	log := deps.Logger
	if log == nil {
		level, _ := mlog.ParseLevel(cfg.LogLevel)

		zapLogger, err := mlog.NewZapLogger(level)
		if err != nil {
			return nil, fmt.Errorf("app: build logger: %w", err)
		}

		log = zapLogger
	}

	tel, err := telemetry.Start(ctx, cfg.OtelServiceName, cfg.OtelServiceVersion, cfg.OtelExporterEndpoint)
	if err != nil {
		return nil, fmt.Errorf("app: start telemetry: %w", err)
	}

	conn := &storage.Connection{Path: cfg.DBPath, Logger: log}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("app: connect storage: %w", err)
	}

	db, err := conn.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: get db handle: %w", err)
	}

	groups := groupstore.NewRepository()
	messages := messagestore.NewRepository()
	commitlog := commitlogstore.NewRepository()
	icebox := iceboxstore.NewRepository()
	intentRepo := intentstore.NewRepository()
	readds := readdstatus.NewRepository()
	pendingRemoves := pendingremove.NewRepository()
	keyPkgHistory := keypackagehistory.NewRepository()

	cursors := cursor.New(cursor.NewRepository())
	lock := grouplock.New()
	resolver := depresolver.New()

	assocCache, err := assoccache.New(deps.Identity, cfg.AssocCacheSize)
	if err != nil {
		return nil, fmt.Errorf("app: build association cache: %w", err)
	}

	validator := commitvalidation.New(assocCache, readds)

	publishBreaker := circuitbreaker.New("transport.publish", circuitbreaker.DefaultSettings())
	resilientTransport := transport.NewResilient(deps.Transport, publishBreaker)

	intentsEngine := intents.New(
		db, intentRepo, cursors, resolver, resilientTransport, lock, deps.Builder,
		retry.DefaultPublishConfig(), log,
	)

	processor := envelope.New(
		db, groups, messages, commitlog, icebox, intentRepo, pendingRemoves, keyPkgHistory, cursors, validator,
		deps.Policies, deps.Crypto, intentsEngine, lock, resilientTransport,
		retry.DefaultWelcomeDispatchConfig(), log,
	)

	var debug *debugserver.Server
	if cfg.EnableDebugServer {
		debug = debugserver.New(
			cfg.DebugServerAddress, db, groups, intentRepo, icebox, cursors, assocCache, log,
		)
	}

	return &App{
		cfg:        cfg,
		conn:       conn,
		telemetry:  tel,
		log:        log,
		AssocCache: assocCache,
		Cursors:    cursors,
		Lock:       lock,
		Intents:    intentsEngine,
		Processor:  processor,
		Debug:      debug,
	}, nil
}

// Run starts the debug server, if enabled, and blocks until it exits. Run
// it in its own goroutine; callers drive Processor.Process and
// Intents.PublishGroup from their own ingestion/outbox loops, matching the
// Refresh Flow and Publish Flow in spec section 5.
func (a *App) Run() error {
	if a.Debug == nil {
		return nil
	}

	return a.Debug.Listen()
}

// Close releases the debug server, sqlite connection, and telemetry
// exporter, in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	if a.Debug != nil {
		if err := a.Debug.Shutdown(ctx); err != nil {
			a.log.Warnf("app: debug server shutdown: %v", err)
		}
	}

	if err := a.conn.Close(); err != nil {
		a.log.Warnf("app: close storage: %v", err)
	}

	if err := a.telemetry.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: shutdown telemetry: %w", err)
	}

	return a.log.Sync()
}
