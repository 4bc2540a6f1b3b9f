// Package sqlitedb is the embedded, single-node persistence backend.
// It mirrors database.Repository on top of gorm and a pure-Go SQLite driver.
package sqlitedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ferry/internal/server/database"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type settingsRow struct {
	ID                       int    `gorm:"primaryKey;autoIncrement:false"`
	MaxFileSize              int64  `gorm:"not null"`
	MaxAdminFileSize         int64  `gorm:"not null"`
	AllowedFileTypes         string `gorm:"not null"` // JSON array
	DefaultExpiration        string `gorm:"size:16;not null"`
	ApprovalRequired         bool   `gorm:"not null"`
	ApprovalExpirationHours  int    `gorm:"not null"`
	MaxStoragePerUser        int64  `gorm:"not null"`
	MinPasswordLength        int    `gorm:"not null"`
	RequireEmailVerification bool   `gorm:"not null"`
	MaxLoginAttempts         int    `gorm:"not null"`
	UpdatedAt                int64  `gorm:"autoUpdateTime:false"`
}

func (settingsRow) TableName() string { return "settings" }

type userRow struct {
	ID                string `gorm:"primaryKey;size:36"`
	Email             string `gorm:"size:255;uniqueIndex;not null"`
	IsAdmin           bool   `gorm:"not null"`
	IsApproved        bool   `gorm:"not null"`
	ApprovalExpiresAt *int64 `gorm:"index"`
	CreatedAt         int64  `gorm:"autoCreateTime:false"`
}

func (userRow) TableName() string { return "users" }

// Times are stored as unix nanoseconds so range filters compare numerically.
type fileRow struct {
	ID            string  `gorm:"primaryKey;size:36"`
	ShareCode     string  `gorm:"size:16;uniqueIndex;not null"`
	OriginalName  string  `gorm:"size:255;not null"`
	CustomName    string  `gorm:"size:255;not null"`
	StorageName   string  `gorm:"size:96;uniqueIndex;not null"`
	Size          int64   `gorm:"not null"`
	MimeType      string  `gorm:"size:255;not null"`
	OwnerID       string  `gorm:"size:36;index;not null"`
	PasswordHash  *string `gorm:"size:255"`
	ExpiresAt     *int64  `gorm:"index"`
	DownloadCount int64   `gorm:"not null;default:0"`
	Metadata      string  `gorm:"not null"`
	CreatedAt     int64   `gorm:"autoCreateTime:false"`
}

func (fileRow) TableName() string { return "files" }

// Repository implements the same persistence surface as database.Repository.
type Repository struct {
	db *gorm.DB
}

// Open connects to (or creates) the SQLite database at path and migrates it.
// A single connection serializes writers, which also serializes the
// quota re-check in CreateFile.
func Open(path string) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&settingsRow{}, &userRow{}, &fileRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	slog.Info("connected to database", "driver", "sqlite", "path", path)
	return &Repository{db: db}, nil
}

// HealthCheck pings the underlying connection.
func (r *Repository) HealthCheck(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (r *Repository) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (r *Repository) GetSettings(ctx context.Context) (*database.Settings, error) {
	var row settingsRow
	if err := r.db.WithContext(ctx).First(&row, database.SettingsID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, database.ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	s := &database.Settings{
		MaxFileSize:              row.MaxFileSize,
		MaxAdminFileSize:         row.MaxAdminFileSize,
		DefaultExpiration:        row.DefaultExpiration,
		ApprovalRequired:         row.ApprovalRequired,
		ApprovalExpirationHours:  row.ApprovalExpirationHours,
		MaxStoragePerUser:        row.MaxStoragePerUser,
		MinPasswordLength:        row.MinPasswordLength,
		RequireEmailVerification: row.RequireEmailVerification,
		MaxLoginAttempts:         row.MaxLoginAttempts,
		UpdatedAt:                fromUnix(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.AllowedFileTypes), &s.AllowedFileTypes); err != nil {
		return nil, fmt.Errorf("failed to decode allowed file types: %w", err)
	}
	return s, nil
}

func (r *Repository) SaveSettings(ctx context.Context, s *database.Settings) error {
	types, err := json.Marshal(s.AllowedFileTypes)
	if err != nil {
		return fmt.Errorf("failed to encode allowed file types: %w", err)
	}
	row := settingsRow{
		ID:                       database.SettingsID,
		MaxFileSize:              s.MaxFileSize,
		MaxAdminFileSize:         s.MaxAdminFileSize,
		AllowedFileTypes:         string(types),
		DefaultExpiration:        s.DefaultExpiration,
		ApprovalRequired:         s.ApprovalRequired,
		ApprovalExpirationHours:  s.ApprovalExpirationHours,
		MaxStoragePerUser:        s.MaxStoragePerUser,
		MinPasswordLength:        s.MinPasswordLength,
		RequireEmailVerification: s.RequireEmailVerification,
		MaxLoginAttempts:         s.MaxLoginAttempts,
		UpdatedAt:                s.UpdatedAt.UnixNano(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (r *Repository) CreateUser(ctx context.Context, u *database.User) error {
	row := userRow{
		ID:                u.ID,
		Email:             u.Email,
		IsAdmin:           u.IsAdmin,
		IsApproved:        u.IsApproved,
		ApprovalExpiresAt: toUnixPtr(u.ApprovalExpiresAt),
		CreatedAt:         u.CreatedAt.UnixNano(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*database.User, error) {
	return r.getUser(ctx, "id = ?", id)
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*database.User, error) {
	return r.getUser(ctx, "email = ?", email)
}

func (r *Repository) getUser(ctx context.Context, where string, arg string) (*database.User, error) {
	var row userRow
	if err := r.db.WithContext(ctx).Where(where, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return row.toUser(), nil
}

func (r *Repository) ListExpiredRegistrations(ctx context.Context, now time.Time) ([]*database.User, error) {
	var rows []userRow
	err := r.db.WithContext(ctx).
		Where("is_approved = ? AND approval_expires_at IS NOT NULL AND approval_expires_at < ?", false, now.UnixNano()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired registrations: %w", err)
	}
	users := make([]*database.User, 0, len(rows))
	for i := range rows {
		users = append(users, rows[i].toUser())
	}
	return users, nil
}

// DeleteUser removes the user and its file records in one transaction.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("owner_id = ?", id).Delete(&fileRow{}).Error; err != nil {
			return fmt.Errorf("failed to delete user files: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&userRow{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return database.ErrUserNotFound
		}
		return nil
	})
}

func (r *Repository) CreateFile(ctx context.Context, file *database.File, quotaBytes int64) error {
	metadata, err := database.MarshalMetadata(file.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	row := fileRow{
		ID:            file.ID,
		ShareCode:     file.ShareCode,
		OriginalName:  file.OriginalName,
		CustomName:    file.CustomName,
		StorageName:   file.StorageName,
		Size:          file.Size,
		MimeType:      file.MimeType,
		OwnerID:       file.OwnerID,
		PasswordHash:  file.PasswordHash,
		ExpiresAt:     toUnixPtr(file.ExpiresAt),
		DownloadCount: file.DownloadCount,
		Metadata:      string(metadata),
		CreatedAt:     file.CreatedAt.UnixNano(),
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owners int64
		if err := tx.Model(&userRow{}).Where("id = ?", file.OwnerID).Count(&owners).Error; err != nil {
			return fmt.Errorf("failed to check owner: %w", err)
		}
		if owners == 0 {
			return database.ErrUserNotFound
		}

		if quotaBytes != database.NoQuota {
			var used int64
			err := tx.Model(&fileRow{}).
				Where("owner_id = ?", file.OwnerID).
				Select("COALESCE(SUM(size), 0)").
				Scan(&used).Error
			if err != nil {
				return fmt.Errorf("failed to sum owner storage: %w", err)
			}
			if used+file.Size > quotaBytes {
				return database.ErrQuotaExceeded
			}
		}

		if err := tx.Create(&row).Error; err != nil {
			return mapInsertError(err)
		}
		return nil
	})
}

func (r *Repository) GetFileByShareCode(ctx context.Context, code string) (*database.File, error) {
	var row fileRow
	if err := r.db.WithContext(ctx).Where("share_code = ?", code).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, database.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return row.toFile()
}

func (r *Repository) ListFilesByOwner(ctx context.Context, ownerID string) ([]*database.File, error) {
	var rows []fileRow
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	return toFiles(rows)
}

func (r *Repository) ListExpiredFiles(ctx context.Context, now time.Time) ([]*database.File, error) {
	var rows []fileRow
	err := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", now.UnixNano()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expired files: %w", err)
	}
	return toFiles(rows)
}

func (r *Repository) StorageUsed(ctx context.Context, ownerID string) (int64, error) {
	var used int64
	err := r.db.WithContext(ctx).Model(&fileRow{}).
		Where("owner_id = ?", ownerID).
		Select("COALESCE(SUM(size), 0)").
		Scan(&used).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage: %w", err)
	}
	return used, nil
}

func (r *Repository) ReferencedStorageNames(ctx context.Context, names []string) (map[string]bool, error) {
	referenced := make(map[string]bool)
	if len(names) == 0 {
		return referenced, nil
	}
	var found []string
	err := r.db.WithContext(ctx).Model(&fileRow{}).
		Where("storage_name IN ?", names).
		Pluck("storage_name", &found).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check storage names: %w", err)
	}
	for _, name := range found {
		referenced[name] = true
	}
	return referenced, nil
}

func (r *Repository) IncrementDownloadCount(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&fileRow{}).
		Where("id = ?", id).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to increment download count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.ErrFileNotFound
	}
	return nil
}

func (r *Repository) DeleteFile(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&fileRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete file: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.ErrFileNotFound
	}
	return nil
}

func (r *Repository) GetStats(ctx context.Context, now time.Time) (*database.Stats, error) {
	stats := &database.Stats{}
	db := r.db.WithContext(ctx)
	active := "expires_at IS NULL OR expires_at >= ?"

	if err := db.Model(&fileRow{}).Count(&stats.TotalFiles).Error; err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	if err := db.Model(&fileRow{}).Where(active, now.UnixNano()).Count(&stats.ActiveFiles).Error; err != nil {
		return nil, fmt.Errorf("failed to count active files: %w", err)
	}
	if err := db.Model(&fileRow{}).Select("COALESCE(SUM(download_count), 0)").Scan(&stats.TotalDownloads).Error; err != nil {
		return nil, fmt.Errorf("failed to sum downloads: %w", err)
	}
	if err := db.Model(&fileRow{}).Where(active, now.UnixNano()).Select("COALESCE(SUM(size), 0)").Scan(&stats.StorageUsed).Error; err != nil {
		return nil, fmt.Errorf("failed to sum storage: %w", err)
	}
	if err := db.Model(&userRow{}).Count(&stats.TotalUsers).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	return stats, nil
}

func (r *Repository) GetOwnerStats(ctx context.Context, ownerID string) (*database.OwnerStats, error) {
	var groups []struct {
		MimeType  string
		Files     int64
		Downloads int64
	}
	err := r.db.WithContext(ctx).Model(&fileRow{}).
		Select("mime_type, COUNT(*) AS files, COALESCE(SUM(download_count), 0) AS downloads").
		Where("owner_id = ?", ownerID).
		Group("mime_type").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get owner stats: %w", err)
	}

	stats := &database.OwnerStats{FilesByType: make(map[string]int64, len(groups))}
	for _, g := range groups {
		stats.FilesByType[g.MimeType] = g.Files
		stats.TotalFiles += g.Files
		stats.TotalDownloads += g.Downloads
	}
	return stats, nil
}

func (row *userRow) toUser() *database.User {
	return &database.User{
		ID:                row.ID,
		Email:             row.Email,
		IsAdmin:           row.IsAdmin,
		IsApproved:        row.IsApproved,
		ApprovalExpiresAt: fromUnixPtr(row.ApprovalExpiresAt),
		CreatedAt:         fromUnix(row.CreatedAt),
	}
}

func (row *fileRow) toFile() (*database.File, error) {
	m, err := database.UnmarshalMetadata([]byte(row.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", row.ID, err)
	}
	return &database.File{
		ID:            row.ID,
		ShareCode:     row.ShareCode,
		OriginalName:  row.OriginalName,
		CustomName:    row.CustomName,
		StorageName:   row.StorageName,
		Size:          row.Size,
		MimeType:      row.MimeType,
		OwnerID:       row.OwnerID,
		PasswordHash:  row.PasswordHash,
		ExpiresAt:     fromUnixPtr(row.ExpiresAt),
		DownloadCount: row.DownloadCount,
		Metadata:      m,
		CreatedAt:     fromUnix(row.CreatedAt),
	}, nil
}

func toFiles(rows []fileRow) ([]*database.File, error) {
	files := make([]*database.File, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toFile()
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// mapInsertError translates SQLite unique-constraint failures, which the
// driver only reports as text, into repository sentinels.
func mapInsertError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "files.share_code"):
		return database.ErrShareCodeTaken
	case strings.Contains(msg, "files.storage_name"):
		return database.ErrStorageNameTaken
	}
	return fmt.Errorf("failed to create file: %w", err)
}

func toUnixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromUnixPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromUnix(*n)
	return &t
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
