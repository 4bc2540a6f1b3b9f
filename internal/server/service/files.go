package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/events"
	"ferry/internal/server/storage"
)

// OwnedFile is a file as its owner sees it in a listing.
type OwnedFile struct {
	ID            string            `json:"id"`
	ShareCode     string            `json:"share_code"`
	ShareURL      string            `json:"share_url"`
	OriginalName  string            `json:"original_name"`
	CustomName    string            `json:"custom_name"`
	Size          int64             `json:"size"`
	MimeType      string            `json:"mime_type"`
	ExpiresAt     *time.Time        `json:"expires_at"`
	Expired       bool              `json:"expired"`
	DownloadCount int64             `json:"download_count"`
	HasPassword   bool              `json:"has_password"`
	Metadata      database.Metadata `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ListFiles returns a user's files, newest first.
func (s *FileService) ListFiles(ctx context.Context, ownerID string) ([]OwnedFile, error) {
	files, err := s.repo.ListFilesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	now := s.clock()
	out := make([]OwnedFile, 0, len(files))
	for _, f := range files {
		out = append(out, OwnedFile{
			ID:            f.ID,
			ShareCode:     f.ShareCode,
			ShareURL:      s.ShareURL(f.ShareCode),
			OriginalName:  f.OriginalName,
			CustomName:    f.CustomName,
			Size:          f.Size,
			MimeType:      f.MimeType,
			ExpiresAt:     f.ExpiresAt,
			Expired:       f.Expired(now),
			DownloadCount: f.DownloadCount,
			HasPassword:   f.PasswordHash != nil,
			Metadata:      f.Metadata,
			CreatedAt:     f.CreatedAt,
		})
	}
	return out, nil
}

// DeleteFile removes a file and its payload. Only the owner or an admin
// may delete. Expired files can still be deleted by their owner.
func (s *FileService) DeleteFile(ctx context.Context, code, userID string, isAdmin bool) error {
	file, err := s.repo.GetFileByShareCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if file.OwnerID != userID && !isAdmin {
		return ErrForbidden
	}

	// Continue with record deletion even if the payload removal fails
	storage.RemoveBestEffort(ctx, s.store, file.StorageName)

	if err := s.repo.DeleteFile(ctx, file.ID); err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Info("file deleted",
		"file_id", file.ID,
		"share_code", file.ShareCode,
		"deleted_by", userID,
		"admin", isAdmin && file.OwnerID != userID,
	)
	events.Emit(ctx, s.events, events.Event{
		Type:      events.FileDeleted,
		FileID:    file.ID,
		ShareCode: file.ShareCode,
		OwnerID:   file.OwnerID,
		Size:      file.Size,
	})
	return nil
}

// GetUserStats returns per-user file statistics.
func (s *FileService) GetUserStats(ctx context.Context, ownerID string) (*database.OwnerStats, error) {
	stats, err := s.repo.GetOwnerStats(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return stats, nil
}

// GetStats returns aggregate server statistics.
func (s *FileService) GetStats(ctx context.Context) (*database.Stats, error) {
	stats, err := s.repo.GetStats(ctx, s.clock())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return stats, nil
}
