package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/events"
	"ferry/internal/server/locker"
)

const sweepLockKey = "ferry:sweep"

// SweepRepository is the persistence surface the sweeper needs.
type SweepRepository interface {
	ListExpiredFiles(ctx context.Context, now time.Time) ([]*database.File, error)
	DeleteFile(ctx context.Context, id string) error
	ListExpiredRegistrations(ctx context.Context, now time.Time) ([]*database.User, error)
	ListFilesByOwner(ctx context.Context, ownerID string) ([]*database.File, error)
	DeleteUser(ctx context.Context, id string) error
	ReferencedStorageNames(ctx context.Context, names []string) (map[string]bool, error)
}

// SweepResult summarises one reclamation pass.
type SweepResult struct {
	FilesDeleted   int  `json:"files_deleted"`
	UsersDeleted   int  `json:"users_deleted"`
	OrphansDeleted int  `json:"orphans_deleted"`
	Failed         int  `json:"failed"`
	Skipped        bool `json:"skipped,omitempty"`
}

// SweeperOptions configures a Sweeper. Zero values pick defaults.
type SweeperOptions struct {
	Interval    time.Duration
	OrphanGrace time.Duration
	LockTTL     time.Duration
	Locker      locker.Locker
	Events      events.Publisher
	Clock       func() time.Time
}

// Sweeper reclaims expired files, lapsed registrations and orphaned
// payloads. It runs on a ticker and on demand.
type Sweeper struct {
	repo        SweepRepository
	store       Store
	lock        locker.Locker
	events      events.Publisher
	now         func() time.Time
	interval    time.Duration
	orphanGrace time.Duration
	lockTTL     time.Duration
	done        chan struct{}
}

// NewSweeper creates a new sweeper.
func NewSweeper(repo SweepRepository, store Store, opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		repo:        repo,
		store:       store,
		lock:        opts.Locker,
		events:      opts.Events,
		now:         opts.Clock,
		interval:    opts.Interval,
		orphanGrace: opts.OrphanGrace,
		lockTTL:     opts.LockTTL,
		done:        make(chan struct{}),
	}
	if s.lock == nil {
		s.lock = locker.NewLocal()
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}
	if s.orphanGrace <= 0 {
		s.orphanGrace = time.Hour
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Minute
	}
	return s
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("sweeper started", "interval", s.interval, "orphan_grace", s.orphanGrace)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run once immediately on start
		s.runScheduled(ctx)

		for {
			select {
			case <-ticker.C:
				s.runScheduled(ctx)
			case <-ctx.Done():
				slog.Info("sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweep loop has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sweep failed", "error", err)
	}
}

// Sweep runs every reclamation pass once. Running it again with no new
// expirations deletes nothing. If another replica holds the sweep lock
// the run is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	release, err := s.lock.TryAcquire(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		if errors.Is(err, locker.ErrBusy) {
			slog.Info("sweep skipped, another sweep holds the lock")
			return SweepResult{Skipped: true}, nil
		}
		return SweepResult{}, err
	}
	defer release()

	now := s.now()
	var result SweepResult

	if err := s.sweepExpiredFiles(ctx, now, &result); err != nil {
		return result, err
	}
	if err := s.sweepExpiredRegistrations(ctx, now, &result); err != nil {
		return result, err
	}
	if err := s.sweepOrphans(ctx, now, &result); err != nil {
		return result, err
	}

	slog.Info("sweep complete",
		"files_deleted", result.FilesDeleted,
		"users_deleted", result.UsersDeleted,
		"orphans_deleted", result.OrphansDeleted,
		"failed", result.Failed,
	)
	return result, nil
}

func (s *Sweeper) sweepExpiredFiles(ctx context.Context, now time.Time, result *SweepResult) error {
	expired, err := s.repo.ListExpiredFiles(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired files: %w", err)
	}

	for _, file := range expired {
		// payload first; a failed unlink never blocks the record delete
		RemoveBestEffort(ctx, s.store, file.StorageName)

		if err := s.repo.DeleteFile(ctx, file.ID); err != nil {
			if errors.Is(err, database.ErrFileNotFound) {
				continue
			}
			slog.Error("failed to delete expired file record",
				"file_id", file.ID,
				"error", err,
			)
			result.Failed++
			continue
		}

		result.FilesDeleted++
		slog.Info("reclaimed expired file",
			"file_id", file.ID,
			"share_code", file.ShareCode,
			"expired_at", file.ExpiresAt,
		)
		events.Emit(ctx, s.events, events.Event{
			Type:      events.FileExpired,
			FileID:    file.ID,
			ShareCode: file.ShareCode,
			OwnerID:   file.OwnerID,
			Size:      file.Size,
		})
	}
	return nil
}

func (s *Sweeper) sweepExpiredRegistrations(ctx context.Context, now time.Time, result *SweepResult) error {
	users, err := s.repo.ListExpiredRegistrations(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired registrations: %w", err)
	}

	for _, user := range users {
		files, err := s.repo.ListFilesByOwner(ctx, user.ID)
		if err != nil {
			slog.Error("failed to list files of lapsed registration",
				"user_id", user.ID,
				"error", err,
			)
			result.Failed++
			continue
		}
		for _, file := range files {
			RemoveBestEffort(ctx, s.store, file.StorageName)
		}

		if err := s.repo.DeleteUser(ctx, user.ID); err != nil {
			if errors.Is(err, database.ErrUserNotFound) {
				continue
			}
			slog.Error("failed to delete lapsed registration",
				"user_id", user.ID,
				"error", err,
			)
			result.Failed++
			continue
		}

		result.UsersDeleted++
		slog.Info("reclaimed lapsed registration",
			"user_id", user.ID,
			"files", len(files),
		)
		events.Emit(ctx, s.events, events.Event{
			Type:    events.UserReclaimed,
			OwnerID: user.ID,
		})
	}
	return nil
}

// orphanBatchSize bounds how many storage names one reference query checks.
const orphanBatchSize = 500

// sweepOrphans removes payloads no record points at, left behind by a
// crash between the payload write and the record insert. Payloads younger
// than the grace period may belong to an upload still in flight.
func (s *Sweeper) sweepOrphans(ctx context.Context, now time.Time, result *SweepResult) error {
	blobs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list payloads: %w", err)
	}

	cutoff := now.Add(-s.orphanGrace)
	candidates := make([]BlobInfo, 0, len(blobs))
	for _, blob := range blobs {
		if blob.ModTime.Before(cutoff) {
			candidates = append(candidates, blob)
		}
	}

	for start := 0; start < len(candidates); start += orphanBatchSize {
		batch := candidates[start:min(start+orphanBatchSize, len(candidates))]
		names := make([]string, len(batch))
		for i, blob := range batch {
			names[i] = blob.Name
		}

		referenced, err := s.repo.ReferencedStorageNames(ctx, names)
		if err != nil {
			slog.Error("failed to check payload references",
				"batch_size", len(batch),
				"error", err,
			)
			result.Failed += len(batch)
			continue
		}

		for _, blob := range batch {
			if referenced[blob.Name] {
				continue
			}
			if RemoveBestEffort(ctx, s.store, blob.Name).OK() {
				result.OrphansDeleted++
				slog.Info("reclaimed orphan payload", "storage_name", blob.Name, "size", blob.Size)
			}
		}
	}
	return nil
}
