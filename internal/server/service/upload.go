package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/events"
	"ferry/internal/server/storage"

	"github.com/google/uuid"
)

// UploadOptions are the caller-chosen properties of an upload.
type UploadOptions struct {
	CustomName string
	Password   string
	Expiration string
	Compress   bool
}

// UploadRequest is a candidate upload. Data is rewound before every
// payload write, so a collision retry can replay it.
type UploadRequest struct {
	Data         io.ReadSeeker
	Size         int64
	OriginalName string
	MimeType     string
	OwnerID      string
	IsAdmin      bool
	Options      UploadOptions
}

// UploadResult is returned after a successful upload.
type UploadResult struct {
	ID           string            `json:"id"`
	ShareCode    string            `json:"share_code"`
	ShareURL     string            `json:"share_url"`
	OriginalName string            `json:"original_name"`
	CustomName   string            `json:"custom_name"`
	Size         int64             `json:"size"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	HasPassword  bool              `json:"has_password"`
	Metadata     database.Metadata `json:"metadata"`
}

// Upload admits, optionally compresses, stores and records a new file.
// The payload is written before the record is inserted, so a record never
// exists without its payload. A payload left behind by a failed insert is
// removed here or, after a crash, by the sweeper.
func (s *FileService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	now := s.clock()

	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	// Admission is judged on the size the client sent, before any transform.
	if err := s.Admit(ctx, settings, req.OwnerID, req.IsAdmin, req.Size, req.MimeType); err != nil {
		return nil, err
	}

	data, size, metadata, err := s.maybeCompress(ctx, req)
	if err != nil {
		return nil, err
	}

	passwordHash, err := s.hashPassword(ctx, req.Options.Password)
	if err != nil {
		return nil, err
	}

	originalName := sanitizeFilename(req.OriginalName)
	customName := originalName
	if name := strings.TrimSpace(req.Options.CustomName); name != "" {
		customName = sanitizeFilename(name)
	}

	file := &database.File{
		ID:           uuid.NewString(),
		OriginalName: originalName,
		CustomName:   customName,
		MimeType:     req.MimeType,
		OwnerID:      req.OwnerID,
		PasswordHash: passwordHash,
		ExpiresAt:    ResolveExpiration(req.Options.Expiration, settings.DefaultExpiration, now),
		Metadata:     metadata,
		CreatedAt:    now,
	}
	quota := quotaBytes(settings, req.IsAdmin)

	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		storageName, err := StorageName(originalName, now)
		if err != nil {
			return nil, err
		}

		written, err := s.writePayload(ctx, storageName, data, size)
		if errors.Is(err, storage.ErrExists) {
			slog.Warn("storage name collision, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			slog.Error("failed to store payload", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
		}

		file.StorageName = storageName
		file.Size = written

		err = s.insertFile(ctx, file, quota)
		if err == nil {
			break
		}

		storage.RemoveBestEffort(ctx, s.store, storageName)
		file.StorageName = ""
		if errors.Is(err, database.ErrStorageNameTaken) {
			slog.Warn("storage name already recorded, retrying", "attempt", attempt+1)
			continue
		}
		return nil, err
	}
	if file.StorageName == "" {
		return nil, ErrResourceExhausted
	}

	slog.Info("file uploaded",
		"file_id", file.ID,
		"share_code", file.ShareCode,
		"owner_id", file.OwnerID,
		"size", file.Size,
		"mime_type", file.MimeType,
		"compressed", metadata.Kind == database.MetadataCompression,
	)
	events.Emit(ctx, s.events, events.Event{
		Type:       events.FileUploaded,
		FileID:     file.ID,
		ShareCode:  file.ShareCode,
		OwnerID:    file.OwnerID,
		Size:       file.Size,
		OccurredAt: now,
	})

	return &UploadResult{
		ID:           file.ID,
		ShareCode:    file.ShareCode,
		ShareURL:     s.ShareURL(file.ShareCode),
		OriginalName: file.OriginalName,
		CustomName:   file.CustomName,
		Size:         file.Size,
		ExpiresAt:    file.ExpiresAt,
		HasPassword:  file.PasswordHash != nil,
		Metadata:     file.Metadata,
	}, nil
}

// maybeCompress runs the compressor over image uploads that asked for it.
// A compressor failure keeps the original bytes.
func (s *FileService) maybeCompress(ctx context.Context, req UploadRequest) (io.ReadSeeker, int64, database.Metadata, error) {
	if !req.Options.Compress || s.compressor == nil || !strings.HasPrefix(req.MimeType, "image/") {
		return req.Data, req.Size, database.NoMetadata(), nil
	}

	if _, err := req.Data.Seek(0, io.SeekStart); err != nil {
		return nil, 0, database.Metadata{}, fmt.Errorf("failed to rewind upload: %w", err)
	}
	raw, err := io.ReadAll(req.Data)
	if err != nil {
		return nil, 0, database.Metadata{}, fmt.Errorf("failed to read upload data: %w", err)
	}

	compressed, err := s.compressor.Compress(ctx, raw, req.MimeType)
	if err != nil {
		slog.Warn("compression failed, storing original",
			"mime_type", req.MimeType,
			"size", len(raw),
			"error", err,
		)
		return bytes.NewReader(raw), int64(len(raw)), database.NoMetadata(), nil
	}

	metadata := database.CompressionMetadata(int64(len(raw)), int64(len(compressed)))
	slog.Debug("image compressed",
		"original_size", len(raw),
		"compressed_size", len(compressed),
		"saved_percentage", metadata.Compression.SavedPercentage,
	)
	return bytes.NewReader(compressed), int64(len(compressed)), metadata, nil
}

// hashPassword returns nil for an absent password; an empty string is
// never hashed.
func (s *FileService) hashPassword(ctx context.Context, password string) (*string, error) {
	if password == "" {
		return nil, nil
	}
	if len(password) > maxPasswordBytes {
		return nil, ErrInvalidPassword
	}
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, err
	}
	return &hash, nil
}

func (s *FileService) writePayload(ctx context.Context, name string, data io.ReadSeeker, size int64) (int64, error) {
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind upload: %w", err)
	}
	return s.store.Save(ctx, name, data, size)
}

// insertFile mints share codes until the record is accepted. Denials and
// faults are translated to service errors; ErrStorageNameTaken is passed
// through for the caller to retry with a fresh payload name.
func (s *FileService) insertFile(ctx context.Context, file *database.File, quota int64) error {
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		code, err := MintShareCode()
		if err != nil {
			return err
		}
		file.ShareCode = code

		err = s.repo.CreateFile(ctx, file, quota)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, database.ErrShareCodeTaken):
			slog.Warn("share code collision, retrying", "attempt", attempt+1)
			continue
		case errors.Is(err, database.ErrStorageNameTaken):
			return err
		case errors.Is(err, database.ErrQuotaExceeded):
			return ErrQuotaExceeded
		case errors.Is(err, database.ErrUserNotFound):
			return ErrUnknownOwner
		default:
			slog.Error("failed to create file record", "file_id", file.ID, "error", err)
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return ErrResourceExhausted
}
