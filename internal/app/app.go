// Package app wires the coordinator to its collaborators for a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lobbyline/internal/board"
	"lobbyline/internal/config"
	"lobbyline/internal/db"
	"lobbyline/internal/domain"
	"lobbyline/internal/engine"
	"lobbyline/internal/events"
	"lobbyline/internal/metrics"
	"lobbyline/internal/migrate"
	"lobbyline/internal/notify"
	"lobbyline/internal/persist"
	"lobbyline/internal/repo"
)

type Options struct {
	Workspace string
	// Config overrides the workspace config when set.
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

// App owns one running coordinator and everything that observes it.
type App struct {
	DB          *sql.DB
	Repo        repo.Repo
	Config      *config.Config
	Coordinator *engine.Coordinator
	Bus         *events.Bus
	Persist     *persist.Writer
	Metrics     *metrics.Collector
	Logger      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Bootstrap opens the workspace database, applies migrations, stores the
// configured branches and rehydrates the coordinator from persisted tickets.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied, err := migrate.Status(conn); err == nil && len(applied) > 0 {
		logger.Debug("schema ready", "version", applied[len(applied)-1].Version, "path", db.Path(opts.Workspace))
	}
	r := repo.Repo{DB: conn, Events: events.Writer{Now: opts.Now}}
	cfg := opts.Config
	if cfg == nil {
		if cfg, err = ResolveConfig(ctx, opts.Workspace, r); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if err := SeedBranches(ctx, r, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	collector := metrics.New()
	bus := events.NewBus(logger)
	bus.Handle(collector.Observe)
	writer := persist.NewWriter(r, persist.Options{Logger: logger})
	coord := engine.New(engine.Options{
		Now:             opts.Now,
		Logger:          logger,
		Recorder:        writer,
		Publisher:       bus,
		Metrics:         collector,
		DemotionPenalty: cfg.Policy.DemotionPenalty,
	})
	a := &App{
		DB:          conn,
		Repo:        r,
		Config:      cfg,
		Coordinator: coord,
		Bus:         bus,
		Persist:     writer,
		Metrics:     collector,
		Logger:      logger,
	}
	if err := a.rehydrate(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) rehydrate(ctx context.Context) error {
	branches, err := a.Repo.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	for _, b := range branches {
		tickets, err := a.Repo.ListTickets(ctx, repo.TicketFilters{BranchID: b.ID})
		if err != nil {
			return fmt.Errorf("load tickets for %s: %w", b.ID, err)
		}
		limit := b.MaxOccupancy
		if inside := countInside(b, tickets); inside > limit {
			b.MaxOccupancy = inside
		}
		if err := a.Coordinator.Restore(ctx, b, tickets); err != nil {
			return fmt.Errorf("restore %s: %w", b.ID, err)
		}
		if b.MaxOccupancy != limit {
			if _, err := a.Coordinator.ShrinkCapacity(ctx, b.ID, limit); err != nil {
				return fmt.Errorf("restore %s: %w", b.ID, err)
			}
		}
		occ, _ := a.Coordinator.Occupancy(b.ID)
		a.Metrics.SetOccupancy(b.ID, occ)
		a.Logger.Info("branch restored", "branch_id", b.ID, "tickets", len(tickets), "occupancy", occ)
	}
	return nil
}

// countInside counts the stored tickets that take a seat under b's settings.
// A lower max_occupancy in lobbyline.yml is applied once enough of them leave.
func countInside(b domain.Branch, tickets []domain.Ticket) int {
	n := 0
	for _, t := range tickets {
		if b.CountsTowardOccupancy(t.Status) {
			n++
		}
	}
	return n
}

type BranchResult struct {
	Branch  domain.Branch
	Created bool
}

// SaveBranch creates or updates a branch in the coordinator and stores it.
// Fields left nil keep their current value; new branches start from zero
// values and must pass validation.
func (a *App) SaveBranch(ctx context.Context, upd engine.BranchUpdate) (BranchResult, error) {
	var res BranchResult
	var err error
	if _, lookupErr := a.Coordinator.Branch(upd.ID); errors.Is(lookupErr, engine.ErrBranchNotFound) {
		res.Created = true
		res.Branch, err = a.Coordinator.RegisterBranch(ctx, newBranch(upd))
	} else {
		res.Branch, err = a.Coordinator.UpdateBranch(ctx, upd)
	}
	if err != nil {
		return res, err
	}
	if err := a.Repo.UpsertBranch(ctx, res.Branch); err != nil {
		return res, fmt.Errorf("store branch: %w", err)
	}
	return res, nil
}

func newBranch(upd engine.BranchUpdate) domain.Branch {
	b := domain.Branch{ID: upd.ID}
	if upd.Name != nil {
		b.Name = *upd.Name
	}
	if upd.MaxOccupancy != nil {
		b.MaxOccupancy = *upd.MaxOccupancy
	}
	if upd.GracePeriodSeconds != nil {
		b.GracePeriodSeconds = *upd.GracePeriodSeconds
	}
	if upd.AverageServiceMinutes != nil {
		b.AverageServiceMinutes = *upd.AverageServiceMinutes
	}
	if upd.ExcludeInServiceFromOccupancy != nil {
		b.ExcludeInServiceFromOccupancy = *upd.ExcludeInServiceFromOccupancy
	}
	if upd.Paused != nil {
		b.IsPaused = *upd.Paused
	}
	return b
}

// Start launches the grace monitor and the notification, webhook and
// display-board workers configured for the workspace.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	monitor := engine.Monitor{
		Coordinator: a.Coordinator,
		Interval:    engine.SweepInterval(a.Coordinator.Branches(), a.Config.SweepInterval()),
		Logger:      a.Logger,
	}
	a.goRun(func() { monitor.Run(ctx) })

	publishers := []notify.Publisher{notify.LogPublisher{Logger: a.Logger}}
	if a.Config.Notify.AMQPURL != "" {
		publishers = append(publishers, notify.AMQPPublisher{URL: a.Config.Notify.AMQPURL, Queue: a.Config.Notify.Queue})
	}
	dispatcher := notify.NewDispatcher(a.Logger, publishers...)
	a.Bus.Handle(dispatcher.Handle)
	a.goRun(func() { dispatcher.Run(ctx) })

	if len(a.Config.Notify.Webhooks) > 0 {
		hooks := &notify.WebhookDispatcher{Log: a.Repo, Webhooks: a.Config.Notify.Webhooks, Logger: a.Logger}
		a.goRun(func() { hooks.Run(ctx) })
	}

	if a.Config.Board.RedisAddr != "" {
		client, err := board.NewRedisClient(ctx, a.Config.Board.RedisAddr)
		if err != nil {
			a.Logger.Warn("display board disabled", "err", err)
		} else {
			pub := &board.Publisher{
				Source:    a.Coordinator,
				Store:     board.RedisStore{Client: client},
				KeyPrefix: a.Config.Board.KeyPrefix,
				TTL:       a.Config.BoardTTL(),
				Logger:    a.Logger,
			}
			a.Bus.Handle(pub.Handle)
			for _, b := range a.Coordinator.Branches() {
				pub.MarkDirty(b.ID)
			}
			a.goRun(func() {
				pub.Run(ctx)
				_ = client.Close()
			})
		}
	}
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Close stops background workers, drains pending writes and closes the database.
func (a *App) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	var errs []error
	if err := a.Persist.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain persistence: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
