package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ferry/internal/server/database"
)

// minPasswordFloor is the lowest minimum password length an admin may set.
const minPasswordFloor = 6

// SettingsPatch is a partial settings update. Nil fields are left as is.
type SettingsPatch struct {
	MaxFileSize              *int64   `json:"max_file_size"`
	MaxAdminFileSize         *int64   `json:"max_admin_file_size"`
	AllowedFileTypes         []string `json:"allowed_file_types"`
	DefaultExpiration        *string  `json:"default_expiration"`
	ApprovalRequired         *bool    `json:"approval_required"`
	ApprovalExpirationHours  *int     `json:"approval_expiration_hours"`
	MaxStoragePerUser        *int64   `json:"max_storage_per_user"`
	MinPasswordLength        *int     `json:"min_password_length"`
	RequireEmailVerification *bool    `json:"require_email_verification"`
	MaxLoginAttempts         *int     `json:"max_login_attempts"`
}

// GetSettings returns the current policy, installing the defaults the
// first time it is read. Every operation fetches a fresh snapshot.
func (s *FileService) GetSettings(ctx context.Context) (*database.Settings, error) {
	settings, err := s.repo.GetSettings(ctx)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, database.ErrSettingsNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	settings = database.DefaultSettings()
	settings.UpdatedAt = s.clock()
	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	slog.Info("installed default settings")
	return settings, nil
}

// UpdateSettings applies patch to the current settings and saves the
// result if it is valid.
func (s *FileService) UpdateSettings(ctx context.Context, patch SettingsPatch) (*database.Settings, error) {
	settings, err := s.GetSettings(ctx)
	if err != nil {
		return nil, err
	}

	patch.apply(settings)
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settings.UpdatedAt = s.clock()
	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	slog.Info("settings updated",
		"max_file_size", settings.MaxFileSize,
		"max_admin_file_size", settings.MaxAdminFileSize,
		"max_storage_per_user", settings.MaxStoragePerUser,
		"default_expiration", settings.DefaultExpiration,
	)
	return settings, nil
}

func (p SettingsPatch) apply(s *database.Settings) {
	if p.MaxFileSize != nil {
		s.MaxFileSize = *p.MaxFileSize
	}
	if p.MaxAdminFileSize != nil {
		s.MaxAdminFileSize = *p.MaxAdminFileSize
	}
	if p.AllowedFileTypes != nil {
		s.AllowedFileTypes = p.AllowedFileTypes
	}
	if p.DefaultExpiration != nil {
		s.DefaultExpiration = *p.DefaultExpiration
	}
	if p.ApprovalRequired != nil {
		s.ApprovalRequired = *p.ApprovalRequired
	}
	if p.ApprovalExpirationHours != nil {
		s.ApprovalExpirationHours = *p.ApprovalExpirationHours
	}
	if p.MaxStoragePerUser != nil {
		s.MaxStoragePerUser = *p.MaxStoragePerUser
	}
	if p.MinPasswordLength != nil {
		s.MinPasswordLength = *p.MinPasswordLength
	}
	if p.RequireEmailVerification != nil {
		s.RequireEmailVerification = *p.RequireEmailVerification
	}
	if p.MaxLoginAttempts != nil {
		s.MaxLoginAttempts = *p.MaxLoginAttempts
	}
}

// ValidateSettings checks the invariants a settings row must hold.
func ValidateSettings(s *database.Settings) error {
	switch {
	case s.MaxFileSize < 1 || s.MaxAdminFileSize < 1 || s.MaxStoragePerUser < 1:
		return fmt.Errorf("%w: sizes must be at least 1 MB", ErrInvalidSettings)
	case s.MaxFileSize > s.MaxAdminFileSize:
		return fmt.Errorf("%w: max file size %d MB exceeds admin limit %d MB",
			ErrInvalidSettings, s.MaxFileSize, s.MaxAdminFileSize)
	case len(s.AllowedFileTypes) == 0:
		return fmt.Errorf("%w: allowed file types must not be empty", ErrInvalidSettings)
	case !ExpirationClass(s.DefaultExpiration).Valid():
		return fmt.Errorf("%w: unknown expiration %q", ErrInvalidSettings, s.DefaultExpiration)
	case s.MinPasswordLength < minPasswordFloor:
		return fmt.Errorf("%w: minimum password length must be at least %d",
			ErrInvalidSettings, minPasswordFloor)
	case s.ApprovalExpirationHours < 1:
		return fmt.Errorf("%w: approval expiration must be at least 1 hour", ErrInvalidSettings)
	case s.MaxLoginAttempts < 1:
		return fmt.Errorf("%w: max login attempts must be at least 1", ErrInvalidSettings)
	}
	return nil
}
