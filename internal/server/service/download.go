package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/storage"
)

// FileInfo is the public view of a shared file. It never carries the
// password hash or the storage name.
type FileInfo struct {
	ShareCode     string            `json:"share_code"`
	OriginalName  string            `json:"original_name"`
	CustomName    string            `json:"custom_name"`
	Size          int64             `json:"size"`
	MimeType      string            `json:"mime_type"`
	ExpiresAt     *time.Time        `json:"expires_at"`
	DownloadCount int64             `json:"download_count"`
	HasPassword   bool              `json:"has_password"`
	Metadata      database.Metadata `json:"metadata"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Payload is an open stream over a stored file. The caller must close it.
type Payload struct {
	io.ReadCloser
	DisplayName string
	MimeType    string
	Size        int64
}

// lookup finds a live file by share code. Expired files are reported as
// ErrExpired whether or not the sweeper has reached them.
func (s *FileService) lookup(ctx context.Context, code string) (*database.File, error) {
	file, err := s.repo.GetFileByShareCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if file.Expired(s.clock()) {
		return nil, ErrExpired
	}
	return file, nil
}

// authorize checks the password gate on a live file.
func (s *FileService) authorize(ctx context.Context, file *database.File, password string) error {
	if file.PasswordHash == nil {
		return nil
	}
	if password == "" {
		return ErrPasswordRequired
	}
	ok, err := s.hasher.Verify(ctx, password, *file.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPasswordMismatch
	}
	return nil
}

// GetInfo returns metadata about a file without serving it.
func (s *FileService) GetInfo(ctx context.Context, code string) (*FileInfo, error) {
	file, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		ShareCode:     file.ShareCode,
		OriginalName:  file.OriginalName,
		CustomName:    file.CustomName,
		Size:          file.Size,
		MimeType:      file.MimeType,
		ExpiresAt:     file.ExpiresAt,
		DownloadCount: file.DownloadCount,
		HasPassword:   file.PasswordHash != nil,
		Metadata:      file.Metadata,
		CreatedAt:     file.CreatedAt,
	}, nil
}

// VerifyPassword checks a password without opening the file. Expired
// files are reported as not found.
func (s *FileService) VerifyPassword(ctx context.Context, code, password string) error {
	file, err := s.lookup(ctx, code)
	if errors.Is(err, ErrExpired) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if file.PasswordHash == nil {
		return ErrNoPassword
	}
	if password == "" {
		return ErrPasswordMismatch
	}
	return s.authorize(ctx, file, password)
}

// Preview opens a file for inline display. The download count is not
// touched.
func (s *FileService) Preview(ctx context.Context, code, password string) (*Payload, error) {
	file, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, file, password); err != nil {
		return nil, err
	}

	rc, err := s.openPayload(ctx, file)
	if err != nil {
		return nil, err
	}
	return &Payload{
		ReadCloser:  rc,
		DisplayName: file.OriginalName,
		MimeType:    file.MimeType,
		Size:        file.Size,
	}, nil
}

// Download opens a file and counts the download. The count is persisted
// before the stream is returned.
func (s *FileService) Download(ctx context.Context, code, password string) (*Payload, error) {
	file, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, file, password); err != nil {
		return nil, err
	}

	rc, err := s.openPayload(ctx, file)
	if err != nil {
		return nil, err
	}

	if err := s.repo.IncrementDownloadCount(ctx, file.ID); err != nil {
		rc.Close()
		if errors.Is(err, database.ErrFileNotFound) {
			// deleted between lookup and increment
			return nil, ErrNotFound
		}
		slog.Error("failed to increment download count", "file_id", file.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Info("file downloaded", "share_code", file.ShareCode, "file_id", file.ID)
	return &Payload{
		ReadCloser:  rc,
		DisplayName: file.DisplayName(),
		MimeType:    file.MimeType,
		Size:        file.Size,
	}, nil
}

func (s *FileService) openPayload(ctx context.Context, file *database.File) (io.ReadCloser, error) {
	rc, err := s.store.Open(ctx, file.StorageName)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			// the sweeper removes the payload before the record
			slog.Warn("file record has no payload", "file_id", file.ID, "share_code", file.ShareCode)
			return nil, ErrNotFound
		}
		slog.Error("failed to open payload", "file_id", file.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return rc, nil
}
