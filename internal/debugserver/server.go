// Package debugserver exposes a small local Fiber HTTP surface for
// operator introspection into group, intent, icebox, and cursor state
// (spec section 3 domain stack). The core itself has no network API of its
// own — envelopes arrive and commands are issued through the embedding
// application, not over HTTP — so this mirrors only the teacher's always-on
// health/version/admin surface (components/*/internal/bootstrap's unified
// Fiber server), scaled down to state inspection plus one operator action
// (association-state cache purge). The inspection routes do not change
// business state; the cursor view does persist zero-value refresh_state
// rows for cursors not yet stored (see cursorSnapshot).
package debugserver

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/assoccache"
	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/groupstore"
	"github.com/meshline/groupcore/internal/iceboxstore"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/mlog"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/retry"
)

// DB is the minimal querying surface the debug server's read handlers need.
// Satisfied by *sql.DB.
type DB interface {
	groupstore.Queryer
	intentstore.Queryer
}

// Server is the debug/introspection HTTP surface. It is never the primary
// way anything in this module talks to anything else; it exists purely so
// an operator attached to a running instance can ask "what does this group
// look like right now".
type Server struct {
	app  *fiber.App
	addr string
	log  mlog.Logger
}

// allIntentStates enumerates every IntentState so /groups/:id/intents can
// return the full lifecycle snapshot rather than one state at a time.
var allIntentStates = []model.IntentState{
	model.IntentToPublish,
	model.IntentPublished,
	model.IntentCommitted,
	model.IntentError,
	model.IntentProcessed,
}

// New builds the debug server. cache may be nil if the embedding
// application did not wire an assoccache.Cache, in which case
// /cache/purge reports 404 rather than panicking.
func New(
	addr string,
	db DB,
	groups groupstore.Repository,
	intents intentstore.Repository,
	icebox iceboxstore.Repository,
	cursors *cursor.Manager,
	cache *assoccache.Cache,
	log mlog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "groupcore debug server",
		DisableStartupMessage: true,
		ErrorHandler:          handleFiberError,
	})

	app.Use(cors.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/groups/:id", func(c *fiber.Ctx) error {
		g, err := groups.Get(c.UserContext(), db, c.Params("id"))
		if err != nil {
			return apperr.Map(err, "group")
		}
		return c.JSON(g)
	})

	app.Get("/groups/:id/intents", func(c *fiber.Ctx) error {
		list, err := intents.FindByStates(c.UserContext(), db, c.Params("id"), allIntentStates)
		if err != nil {
			return err
		}
		return c.JSON(list)
	})

	app.Get("/groups/:id/intents/stuck", func(c *fiber.Ctx) error {
		list, err := intents.ListStuckIntents(c.UserContext(), db, c.Params("id"), retry.DefaultMaxRetries)
		if err != nil {
			return err
		}
		return c.JSON(list)
	})

	app.Get("/groups/:id/icebox", func(c *fiber.Ctx) error {
		entries, err := icebox.ListForGroup(c.UserContext(), db, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(toIceboxView(entries))
	})

	app.Get("/groups/:id/cursors", func(c *fiber.Ctx) error {
		view, err := cursorSnapshot(c.UserContext(), cursors, db, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(view)
	})

	app.Post("/cache/purge", func(c *fiber.Ctx) error {
		if cache == nil {
			return fiber.NewError(fiber.StatusNotFound, "no association-state cache wired")
		}
		before := cache.Len()
		cache.Purge()
		return c.JSON(fiber.Map{"purged_entries": before})
	})

	return &Server{app: app, addr: addr, log: log}
}

// Listen starts the server and blocks until it stops or errors. Run it in
// its own goroutine from the embedding application's bootstrap.
func (s *Server) Listen() error {
	s.log.Infof("debug server listening on %s", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app for in-process testing via
// app.Test(req); not meant for production callers.
func (s *Server) App() *fiber.App {
	return s.app
}

type iceboxDependencyView struct {
	EntityKind   model.EntityKind `json:"entity_kind"`
	OriginatorID uint32           `json:"originator_id"`
	SequenceID   uint64           `json:"sequence_id"`
}

type iceboxEntryView struct {
	Cursor        uint64                 `json:"cursor"`
	EnvelopeBytes int                    `json:"envelope_bytes"`
	Dependencies  []iceboxDependencyView `json:"dependencies"`
}

// toIceboxView drops the raw envelope payload (opaque, and can be large)
// down to its byte length; an operator inspecting icebox state wants to
// know what it's waiting on, not replay the bytes by hand.
func toIceboxView(entries []model.IceboxEntry) []iceboxEntryView {
	views := make([]iceboxEntryView, 0, len(entries))

	for _, e := range entries {
		deps := make([]iceboxDependencyView, 0, len(e.Dependencies))
		for _, d := range e.Dependencies {
			deps = append(deps, iceboxDependencyView{
				EntityKind:   d.EntityKind,
				OriginatorID: d.OriginatorID,
				SequenceID:   d.SequenceID,
			})
		}

		views = append(views, iceboxEntryView{
			Cursor:        e.Cursor,
			EnvelopeBytes: len(e.Envelope),
			Dependencies:  deps,
		})
	}

	return views
}

var snapshotKinds = []model.EntityKind{
	model.EntityApplicationMessage,
	model.EntityCommitMessage,
	model.EntityWelcomeMessage,
	model.EntityLocalCommitLog,
	model.EntityRemoteCommitLog,
}

// cursorSnapshot reports the last-seen cursor for groupID for each of the
// snapshotKinds, for originator 0 only; other originators and the
// identity_update/key_package kinds are not included. It reads through
// Manager.GetLastCursor, so a cursor with no stored row is inserted as zero.
func cursorSnapshot(ctx context.Context, cursors *cursor.Manager, db DB, groupID string) (map[model.EntityKind]uint64, error) {
	out := make(map[model.EntityKind]uint64, len(snapshotKinds))

	for _, kind := range snapshotKinds {
		c, err := cursors.GetLastCursor(ctx, db, groupID, kind, 0)
		if err != nil {
			return nil, err
		}
		out[kind] = c.SequenceID
	}

	return out, nil
}

// handleFiberError maps this core's apperr taxonomy to HTTP status codes,
// mirroring the teacher's HandleFiberError shape without pulling in its
// lib-commons dependency for a single handler.
func handleFiberError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if ok := fiberAsError(err, &fe); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	switch apperr.Classify(err) {
	case apperr.KindNotFound:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case apperr.KindValidation:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case apperr.KindConflict, apperr.KindDuplicate:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": fmt.Sprintf("internal error: %v", err)})
	}
}

func fiberAsError(err error, target **fiber.Error) bool {
	fe, ok := err.(*fiber.Error)
	if ok {
		*target = fe
	}
	return ok
}
