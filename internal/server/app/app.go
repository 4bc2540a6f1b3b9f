// Package app assembles the server's backends from configuration. Both
// the HTTP server and the ferry admin CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"ferry/internal/server/config"
	"ferry/internal/server/database"
	"ferry/internal/server/database/sqlitedb"
	"ferry/internal/server/events"
	"ferry/internal/server/imaging"
	"ferry/internal/server/locker"
	"ferry/internal/server/service"
	"ferry/internal/server/storage"
)

// Repository is everything the server and CLI need from persistence.
// Both the postgres and sqlite backends satisfy it.
type Repository interface {
	service.Repository
	storage.SweepRepository
	CreateUser(ctx context.Context, u *database.User) error
	GetUser(ctx context.Context, id string) (*database.User, error)
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
	HealthCheck(ctx context.Context) error
}

// postgresRepository adds the pool's health check to the query layer.
type postgresRepository struct {
	*database.Repository
	db *database.DB
}

func (r postgresRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// App holds the assembled backends. Close releases them in reverse order.
type App struct {
	Config  *config.Config
	Repo    Repository
	Store   storage.Store
	Locker  locker.Locker
	Events  events.Publisher
	Service *service.FileService
	Sweeper *storage.Sweeper

	closers []func()
}

// New connects every backend named by cfg. On error, whatever was
// already opened is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Service = service.NewFileService(a.Repo, a.Store, service.Options{
		Compressor: imaging.NewJPEGCompressor(cfg.ImageQuality),
		Events:     a.Events,
		BaseURL:    cfg.BaseURL,
	})
	a.Sweeper = storage.NewSweeper(a.Repo, a.Store, storage.SweeperOptions{
		Interval:    cfg.SweepInterval,
		OrphanGrace: cfg.OrphanGrace,
		Locker:      a.Locker,
		Events:      a.Events,
	})
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	var err error
	if a.Repo, err = a.openRepository(ctx); err != nil {
		return err
	}
	if a.Store, err = openStore(ctx, a.Config); err != nil {
		return err
	}
	if a.Locker, err = a.openLocker(ctx); err != nil {
		return err
	}
	a.Events, err = a.openEvents()
	return err
}

// Close releases every backend.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openRepository(ctx context.Context) (Repository, error) {
	switch a.Config.DatabaseDriver {
	case "sqlite":
		repo, err := sqlitedb.Open(a.Config.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		db, err := database.New(ctx, a.Config.DatabaseURL, int32(a.Config.DatabaseConns))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return postgresRepository{Repository: database.NewRepository(db), db: db}, nil
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	var store storage.Store
	switch cfg.StorageBackend {
	case "minio":
		s, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = storage.NewFileSystemStore(cfg.StoragePath)
	}

	if err := store.EnsureDir(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("payload storage initialized", "backend", cfg.StorageBackend)
	return store, nil
}

func (a *App) openLocker(ctx context.Context) (locker.Locker, error) {
	if a.Config.RedisURL == "" {
		return locker.NewLocal(), nil
	}
	l, err := locker.NewRedis(ctx, a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { l.Close() })
	slog.Info("using redis sweep lock")
	return l, nil
}

func (a *App) openEvents() (events.Publisher, error) {
	if a.Config.AMQPURL == "" {
		return events.Nop{}, nil
	}
	p, err := events.DialAMQP(a.Config.AMQPURL, a.Config.Exchange)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	slog.Info("publishing events", "exchange", a.Config.Exchange)
	return p, nil
}
