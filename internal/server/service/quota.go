package service

import (
	"context"
	"fmt"
	"math"
	"slices"

	"ferry/internal/server/database"

	"golang.org/x/sync/errgroup"
)

// wildcardType admits every MIME type when present in the allow-list.
const wildcardType = "*"

// Quota is a user's storage standing in bytes.
type Quota struct {
	Used       int64 `json:"used"`
	Max        int64 `json:"max"`
	Available  int64 `json:"available"`
	Percentage int64 `json:"percentage"`
}

// Admit decides whether a candidate upload of size bytes may be stored.
// Checks run in order and the first failure wins: size ceiling, MIME
// allow-list, then (non-admins only) the storage quota.
func (s *FileService) Admit(ctx context.Context, settings *database.Settings, ownerID string, isAdmin bool, size int64, mimeType string) error {
	limitMB := settings.MaxFileSize
	if isAdmin {
		limitMB = settings.MaxAdminFileSize
	}
	if size > mbToBytes(limitMB) {
		return fmt.Errorf("%w: %d bytes exceeds %d MB", ErrFileTooLarge, size, limitMB)
	}

	if !typeAllowed(settings.AllowedFileTypes, mimeType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	if isAdmin {
		return nil
	}

	used, err := s.repo.StorageUsed(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if used+size > mbToBytes(settings.MaxStoragePerUser) {
		return fmt.Errorf("%w: %d of %d MB used", ErrQuotaExceeded,
			used/bytesPerMB, settings.MaxStoragePerUser)
	}
	return nil
}

func typeAllowed(allowed []string, mimeType string) bool {
	return slices.Contains(allowed, wildcardType) || slices.Contains(allowed, mimeType)
}

// quotaBytes is the ceiling handed to the repository's insert-time re-check.
func quotaBytes(settings *database.Settings, isAdmin bool) int64 {
	if isAdmin {
		return database.NoQuota
	}
	return mbToBytes(settings.MaxStoragePerUser)
}

// GetQuota reports a user's usage against the per-user ceiling.
func (s *FileService) GetQuota(ctx context.Context, ownerID string) (*Quota, error) {
	var (
		settings *database.Settings
		used     int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		settings, err = s.GetSettings(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		used, err = s.repo.StorageUsed(gctx, ownerID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	limit := mbToBytes(settings.MaxStoragePerUser)
	q := &Quota{
		Used:      used,
		Max:       limit,
		Available: max(limit-used, 0),
	}
	if limit > 0 {
		q.Percentage = int64(math.Round(float64(used) / float64(limit) * 100))
	}
	return q, nil
}
