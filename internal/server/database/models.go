package database

import (
	"encoding/json"
	"errors"
	"time"
)

// Repository sentinel errors shared by every backend.
var (
	ErrFileNotFound     = errors.New("file not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrSettingsNotFound = errors.New("settings not found")
	ErrShareCodeTaken   = errors.New("share code already in use")
	ErrStorageNameTaken = errors.New("storage name already in use")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
)

// SettingsID is the fixed primary key of the singleton settings row.
const SettingsID = 1

// NoQuota disables the storage re-check in CreateFile.
const NoQuota int64 = -1

// Settings is the admin-managed upload policy. Sizes are in megabytes.
type Settings struct {
	MaxFileSize              int64     `json:"max_file_size"`
	MaxAdminFileSize         int64     `json:"max_admin_file_size"`
	AllowedFileTypes         []string  `json:"allowed_file_types"`
	DefaultExpiration        string    `json:"default_expiration"`
	ApprovalRequired         bool      `json:"approval_required"`
	ApprovalExpirationHours  int       `json:"approval_expiration_hours"`
	MaxStoragePerUser        int64     `json:"max_storage_per_user"`
	MinPasswordLength        int       `json:"min_password_length"`
	RequireEmailVerification bool      `json:"require_email_verification"`
	MaxLoginAttempts         int       `json:"max_login_attempts"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// DefaultSettings returns the policy installed when no settings row exists.
func DefaultSettings() *Settings {
	return &Settings{
		MaxFileSize:              100,
		MaxAdminFileSize:         10240,
		AllowedFileTypes:         []string{"*"},
		DefaultExpiration:        "never",
		ApprovalRequired:         true,
		ApprovalExpirationHours:  72,
		MaxStoragePerUser:        1024,
		MinPasswordLength:        8,
		RequireEmailVerification: true,
		MaxLoginAttempts:         5,
	}
}

// User is the quota owner. Storage usage is never stored on the row;
// it is always the sum of the owner's file sizes.
type User struct {
	ID                string
	Email             string
	IsAdmin           bool
	IsApproved        bool
	ApprovalExpiresAt *time.Time // nil once approved
	CreatedAt         time.Time
}

// File is a stored upload and the record that makes its payload reachable.
type File struct {
	ID            string
	ShareCode     string
	OriginalName  string
	CustomName    string
	StorageName   string
	Size          int64
	MimeType      string
	OwnerID       string
	PasswordHash  *string    // nil when no password set
	ExpiresAt     *time.Time // nil means the file never expires
	DownloadCount int64
	Metadata      Metadata
	CreatedAt     time.Time
}

// Expired reports whether the file is past its expiry at now.
func (f *File) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}

// DisplayName is the name offered to downloaders.
func (f *File) DisplayName() string {
	if f.CustomName != "" {
		return f.CustomName
	}
	return f.OriginalName
}

// MetadataKind tags the variant held by Metadata.
type MetadataKind string

const (
	MetadataNone        MetadataKind = "none"
	MetadataCompression MetadataKind = "compression"
)

// CompressionStats records what an image transform did to an upload.
type CompressionStats struct {
	OriginalSize    int64 `json:"originalSize"`
	CompressedSize  int64 `json:"compressedSize"`
	SavedBytes      int64 `json:"savedBytes"`
	SavedPercentage int64 `json:"savedPercentage"`
}

// Metadata is the free-form payload attached to a file, modelled as a
// tagged variant. Compression is set only when Kind is MetadataCompression.
type Metadata struct {
	Kind        MetadataKind      `json:"kind"`
	Compression *CompressionStats `json:"compression,omitempty"`
}

// NoMetadata is the empty variant.
func NoMetadata() Metadata {
	return Metadata{Kind: MetadataNone}
}

// CompressionMetadata builds the compression variant from before/after sizes.
func CompressionMetadata(originalSize, compressedSize int64) Metadata {
	stats := &CompressionStats{
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		SavedBytes:     originalSize - compressedSize,
	}
	if originalSize > 0 {
		stats.SavedPercentage = roundPercent(stats.SavedBytes, originalSize)
	}
	return Metadata{Kind: MetadataCompression, Compression: stats}
}

// MarshalMetadata encodes metadata for a JSON column.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m.Kind == "" {
		m.Kind = MetadataNone
	}
	return json.Marshal(m)
}

// UnmarshalMetadata decodes a JSON column. Empty or unknown payloads
// decode to the none variant.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return NoMetadata(), nil
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return NoMetadata(), err
	}
	if m.Kind != MetadataCompression || m.Compression == nil {
		return NoMetadata(), nil
	}
	return m, nil
}

// roundPercent returns floor(100*part/whole + 0.5), so halves round
// toward positive infinity (-2.5 becomes -2).
func roundPercent(part, whole int64) int64 {
	num := 2*part*100 + whole
	den := 2 * whole
	q := num / den
	if num%den != 0 && num < 0 {
		q--
	}
	return q
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalFiles     int64 `json:"total_files"`
	ActiveFiles    int64 `json:"active_files"`
	TotalDownloads int64 `json:"total_downloads"`
	StorageUsed    int64 `json:"storage_used"`
	TotalUsers     int64 `json:"total_users"`
}

// OwnerStats holds per-user file statistics.
type OwnerStats struct {
	TotalFiles     int64            `json:"total_files"`
	TotalDownloads int64            `json:"total_downloads"`
	FilesByType    map[string]int64 `json:"files_by_type"`
}
