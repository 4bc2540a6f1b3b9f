package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const fileColumns = `id, share_code, original_name, custom_name, storage_name, size,
	mime_type, owner_id, password_hash, expires_at, download_count, metadata, created_at`

const userColumns = `id, email, is_admin, is_approved, approval_expires_at, created_at`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Repository provides persistence for settings, users and files on Postgres.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// GetSettings loads the singleton settings row.
func (r *Repository) GetSettings(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT max_file_size, max_admin_file_size, allowed_file_types, default_expiration,
			   approval_required, approval_expiration_hours, max_storage_per_user,
			   min_password_length, require_email_verification, max_login_attempts, updated_at
		FROM settings WHERE id = $1
	`, SettingsID).Scan(
		&s.MaxFileSize,
		&s.MaxAdminFileSize,
		&s.AllowedFileTypes,
		&s.DefaultExpiration,
		&s.ApprovalRequired,
		&s.ApprovalExpirationHours,
		&s.MaxStoragePerUser,
		&s.MinPasswordLength,
		&s.RequireEmailVerification,
		&s.MaxLoginAttempts,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettingsNotFound
		}
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}
	return s, nil
}

// SaveSettings inserts or replaces the singleton settings row.
func (r *Repository) SaveSettings(ctx context.Context, s *Settings) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO settings (
			id, max_file_size, max_admin_file_size, allowed_file_types, default_expiration,
			approval_required, approval_expiration_hours, max_storage_per_user,
			min_password_length, require_email_verification, max_login_attempts, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			max_file_size = EXCLUDED.max_file_size,
			max_admin_file_size = EXCLUDED.max_admin_file_size,
			allowed_file_types = EXCLUDED.allowed_file_types,
			default_expiration = EXCLUDED.default_expiration,
			approval_required = EXCLUDED.approval_required,
			approval_expiration_hours = EXCLUDED.approval_expiration_hours,
			max_storage_per_user = EXCLUDED.max_storage_per_user,
			min_password_length = EXCLUDED.min_password_length,
			require_email_verification = EXCLUDED.require_email_verification,
			max_login_attempts = EXCLUDED.max_login_attempts,
			updated_at = EXCLUDED.updated_at
	`,
		SettingsID,
		s.MaxFileSize,
		s.MaxAdminFileSize,
		s.AllowedFileTypes,
		s.DefaultExpiration,
		s.ApprovalRequired,
		s.ApprovalExpirationHours,
		s.MaxStoragePerUser,
		s.MinPasswordLength,
		s.RequireEmailVerification,
		s.MaxLoginAttempts,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO users (id, email, is_admin, is_approved, approval_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.IsAdmin, u.IsApproved, u.ApprovalExpiresAt, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (r *Repository) GetUser(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

// GetUserByEmail retrieves a user by email address.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", email)
}

func (r *Repository) getUser(ctx context.Context, query string, arg string) (*User, error) {
	u, err := scanUser(r.db.Pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ListExpiredRegistrations returns unapproved users whose approval window
// closed before now.
func (r *Repository) ListExpiredRegistrations(ctx context.Context, now time.Time) ([]*User, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE is_approved = FALSE AND approval_expires_at IS NOT NULL AND approval_expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired registrations: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user. The owner's file records cascade.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateFile inserts a file record. When quotaBytes is not NoQuota the
// owner's usage is re-checked under a per-owner advisory lock in the same
// transaction, so concurrent uploads cannot jointly overrun the quota.
func (r *Repository) CreateFile(ctx context.Context, file *File, quotaBytes int64) error {
	metadata, err := MarshalMetadata(file.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if quotaBytes != NoQuota {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", file.OwnerID); err != nil {
			return fmt.Errorf("failed to lock owner quota: %w", err)
		}
		var used int64
		err := tx.QueryRow(ctx,
			"SELECT COALESCE(SUM(size), 0)::BIGINT FROM files WHERE owner_id = $1",
			file.OwnerID,
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("failed to sum owner storage: %w", err)
		}
		if used+file.Size > quotaBytes {
			return ErrQuotaExceeded
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		file.ID,
		file.ShareCode,
		file.OriginalName,
		file.CustomName,
		file.StorageName,
		file.Size,
		file.MimeType,
		file.OwnerID,
		file.PasswordHash,
		file.ExpiresAt,
		file.DownloadCount,
		metadata,
		file.CreatedAt,
	)
	if err != nil {
		return mapInsertError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

// GetFileByShareCode retrieves a file by its public share code.
func (r *Repository) GetFileByShareCode(ctx context.Context, code string) (*File, error) {
	f, err := scanFile(r.db.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM files WHERE share_code = $1", code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListFilesByOwner returns the owner's files, newest first.
func (r *Repository) ListFilesByOwner(ctx context.Context, ownerID string) ([]*File, error) {
	return r.queryFiles(ctx,
		"SELECT "+fileColumns+" FROM files WHERE owner_id = $1 ORDER BY created_at DESC", ownerID)
}

// ListExpiredFiles returns files whose expiry is before now.
func (r *Repository) ListExpiredFiles(ctx context.Context, now time.Time) ([]*File, error) {
	return r.queryFiles(ctx,
		"SELECT "+fileColumns+" FROM files WHERE expires_at IS NOT NULL AND expires_at < $1", now)
}

func (r *Repository) queryFiles(ctx context.Context, query string, args ...any) ([]*File, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// StorageUsed sums the sizes of all files owned by ownerID.
func (r *Repository) StorageUsed(ctx context.Context, ownerID string) (int64, error) {
	var used int64
	err := r.db.Pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(size), 0)::BIGINT FROM files WHERE owner_id = $1", ownerID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum storage: %w", err)
	}
	return used, nil
}

// ReferencedStorageNames returns the subset of names that some file
// record points at.
func (r *Repository) ReferencedStorageNames(ctx context.Context, names []string) (map[string]bool, error) {
	referenced := make(map[string]bool)
	if len(names) == 0 {
		return referenced, nil
	}
	rows, err := r.db.Pool.Query(ctx,
		"SELECT storage_name FROM files WHERE storage_name = ANY($1)", names)
	if err != nil {
		return nil, fmt.Errorf("failed to check storage names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan storage name: %w", err)
		}
		referenced[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to check storage names: %w", err)
	}
	return referenced, nil
}

// IncrementDownloadCount atomically increments the download counter.
func (r *Repository) IncrementDownloadCount(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE files SET download_count = download_count + 1 WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// DeleteFile removes a file record by ID.
func (r *Repository) DeleteFile(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// GetStats returns aggregate server statistics as of now.
func (r *Repository) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at IS NULL OR expires_at >= $1),
			COALESCE(SUM(download_count), 0)::BIGINT,
			COALESCE(SUM(size) FILTER (WHERE expires_at IS NULL OR expires_at >= $1), 0)::BIGINT,
			(SELECT COUNT(*) FROM users)
		FROM files
	`, now).Scan(
		&stats.TotalFiles,
		&stats.ActiveFiles,
		&stats.TotalDownloads,
		&stats.StorageUsed,
		&stats.TotalUsers,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// GetOwnerStats returns file counts, downloads and a per-MIME breakdown.
func (r *Repository) GetOwnerStats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	stats := &OwnerStats{FilesByType: make(map[string]int64)}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT mime_type, COUNT(*), COALESCE(SUM(download_count), 0)::BIGINT
		FROM files WHERE owner_id = $1
		GROUP BY mime_type
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mime string
		var count, downloads int64
		if err := rows.Scan(&mime, &count, &downloads); err != nil {
			return nil, fmt.Errorf("failed to scan owner stats: %w", err)
		}
		stats.FilesByType[mime] = count
		stats.TotalFiles += count
		stats.TotalDownloads += downloads
	}
	return stats, rows.Err()
}

func scanFile(row rowScanner) (*File, error) {
	f := &File{}
	var metadata []byte
	if err := row.Scan(
		&f.ID,
		&f.ShareCode,
		&f.OriginalName,
		&f.CustomName,
		&f.StorageName,
		&f.Size,
		&f.MimeType,
		&f.OwnerID,
		&f.PasswordHash,
		&f.ExpiresAt,
		&f.DownloadCount,
		&metadata,
		&f.CreatedAt,
	); err != nil {
		return nil, err
	}
	m, err := UnmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", f.ID, err)
	}
	f.Metadata = m
	return f, nil
}

func scanUser(row rowScanner) (*User, error) {
	u := &User{}
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.IsAdmin,
		&u.IsApproved,
		&u.ApprovalExpiresAt,
		&u.CreatedAt,
	); err != nil {
		return nil, err
	}
	return u, nil
}

// mapInsertError translates constraint violations into repository sentinels.
func mapInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "files_share_code_key":
			return ErrShareCodeTaken
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "files_storage_name_key":
			return ErrStorageNameTaken
		case pgErr.Code == pgForeignKeyViolation:
			return ErrUserNotFound
		}
	}
	return fmt.Errorf("failed to create file: %w", err)
}
