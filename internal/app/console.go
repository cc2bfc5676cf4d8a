// Package app wires the mission engine into one process-wide console.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"reflect"
	"sync"
	"time"

	"missionline/internal/bus"
	"missionline/internal/catalog"
	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/journal"
	"missionline/internal/migrate"
	"missionline/internal/progress"
	"missionline/internal/repo"
	"missionline/internal/session"
)

// ErrObjectivesIncomplete rejects finishing a mission that still has open
// objectives.
var ErrObjectivesIncomplete = errors.New("mission has incomplete objectives")

type Options struct {
	Workspace string
	// Config defaults to the workspace missionline.yml, or built-in defaults
	// when the file is missing.
	Config *config.Config
	// Locale and ContentDir override the config when set.
	Locale     string
	ContentDir string
	Logger     *log.Logger
	Now        func() time.Time
}

// View is the outbound state collaborators render.
type View struct {
	MissionID   string                 `json:"mission_id,omitempty"`
	Objectives  []domain.LiveObjective `json:"objectives"`
	CanComplete bool                   `json:"can_complete"`
}

// Console owns every engine component for one workspace. All calls into the
// core go through Do, which runs them one at a time.
type Console struct {
	DB      *sql.DB
	Repo    repo.Repo
	Journal journal.Writer
	Config  *config.Config
	Catalog *catalog.Catalog
	Bus     *bus.Bus
	Store   *progress.Store
	Session *session.Session
	Engine  *engine.Engine
	Logger  *log.Logger

	mu       sync.Mutex
	watchMu  sync.Mutex
	watchers []*watcher
}

// Open prepares the workspace database, loads progress and content, and
// derives the engine state for the active mission.
func Open(ctx context.Context, opts Options) (*Console, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c := &Console{
		DB:      conn,
		Repo:    repo.Repo{DB: conn, Now: now},
		Journal: journal.Writer{DB: conn, Now: now, Logger: logger},
		Config:  cfg,
		Bus:     bus.New(),
		Logger:  logger,
	}

	contentDir := cfg.Console.ContentDir
	if opts.ContentDir != "" {
		contentDir = opts.ContentDir
	}
	locale := cfg.Console.Locale
	if opts.Locale != "" {
		locale = opts.Locale
	}
	c.Catalog = catalog.New(ContentFS(contentDir), catalog.Options{
		DefaultLocale: cfg.Console.DefaultLocale,
		KnownModules:  cfg.Console.Modules,
	})
	if err := c.Catalog.Load(locale); err != nil {
		conn.Close()
		return nil, fmt.Errorf("load missions: %w", err)
	}

	c.Store = progress.New(c.Repo, c.Journal, logger)
	if _, err := c.Store.Load(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("load progress: %w", err)
	}
	c.Session = session.New(c.Store, c.Catalog, c.Journal)
	c.Engine = engine.New(c.Bus, c.Session, c.Store, engine.Options{Journal: c.Journal, Logger: logger})
	c.Session.Observe(c.Engine.Refresh)
	c.Engine.Refresh(ctx)
	return c, nil
}

// ContentFS returns the mission content tree: dir when set, the embedded
// missions otherwise.
func ContentFS(dir string) fs.FS {
	if dir == "" {
		return catalog.Embedded()
	}
	return os.DirFS(dir)
}

func (c *Console) Close() error {
	return c.DB.Close()
}

// Do runs fn with exclusive access to the console. Watchers see the new view
// afterwards when fn changed it.
func (c *Console) Do(ctx context.Context, fn func(c *Console) error) error {
	c.mu.Lock()
	before := c.view()
	err := fn(c)
	after := c.view()
	c.mu.Unlock()
	if !reflect.DeepEqual(before, after) {
		c.notify(after)
	}
	return err
}

// View returns the current outbound state.
func (c *Console) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view()
}

func (c *Console) view() View {
	return View{
		MissionID:   c.Engine.MissionID(),
		Objectives:  c.Engine.Objectives(),
		CanComplete: c.Engine.CanComplete(),
	}
}

type watcher struct {
	fn func(View)
}

// Watch registers fn to receive the view after every change. The returned
// func removes the registration; calling it more than once is a no-op.
func (c *Console) Watch(fn func(View)) (unwatch func()) {
	w := &watcher{fn: fn}
	c.watchMu.Lock()
	c.watchers = append(c.watchers, w)
	c.watchMu.Unlock()
	return func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		for i, x := range c.watchers {
			if x == w {
				c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

func (c *Console) notify(v View) {
	c.watchMu.Lock()
	watchers := append([]*watcher{}, c.watchers...)
	c.watchMu.Unlock()
	for _, w := range watchers {
		w.fn(v)
	}
}

// Emit publishes evt on the bus on behalf of source and returns the view
// after every handler has run.
func (c *Console) Emit(ctx context.Context, source string, evt bus.Event) (View, error) {
	if evt.Name == "" {
		return View{}, fmt.Errorf("event name required")
	}
	var v View
	err := c.Do(ctx, func(c *Console) error {
		c.Bus.Emit(journal.WithSource(ctx, source), evt)
		v = c.view()
		return nil
	})
	return v, err
}

// ReloadCatalog switches the content locale and re-derives engine state.
// Progress is untouched.
func (c *Console) ReloadCatalog(ctx context.Context, locale string) error {
	return c.Do(ctx, func(c *Console) error {
		if err := c.Catalog.Load(locale); err != nil {
			return err
		}
		c.Engine.Refresh(ctx)
		return nil
	})
}

// MissionSummary is a catalog entry together with its progress status.
type MissionSummary struct {
	domain.Mission
	Status domain.MissionStatus `json:"status"`
}

// Missions lists the catalog with statuses. Call inside Do.
func (c *Console) Missions() []MissionSummary {
	missions := c.Catalog.Missions()
	out := make([]MissionSummary, 0, len(missions))
	for _, m := range missions {
		out = append(out, MissionSummary{Mission: m, Status: c.Session.Status(m.ID)})
	}
	return out
}

// CompleteMission finishes the active mission id on a collaborator's
// request. Every objective must be COMPLETED unless force is set. Call
// inside Do.
func (c *Console) CompleteMission(ctx context.Context, id string, force bool) error {
	m, ok := c.Session.ActiveMission()
	if !ok || m.ID != id {
		return fmt.Errorf("%w: %s", session.ErrNotActive, id)
	}
	if !force && !c.Engine.CanComplete() {
		return fmt.Errorf("%w: %s", ErrObjectivesIncomplete, id)
	}
	if err := c.Session.CompleteMission(ctx, id); err != nil {
		return err
	}
	c.Bus.Emit(ctx, bus.Event{
		Name:   domain.EventMissionCompleted,
		Target: id,
		Data:   map[string]any{"reward": m.Reward},
	})
	return nil
}
