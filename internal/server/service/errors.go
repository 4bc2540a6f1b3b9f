package service

import "errors"

// Admission denials. Expected outcomes: returned, never logged as failures.
var (
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrUnsupportedType = errors.New("file type not allowed")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
)

// Retrieval and ownership denials.
var (
	ErrNotFound         = errors.New("file not found")
	ErrExpired          = errors.New("file has expired")
	ErrPasswordRequired = errors.New("password required")
	ErrPasswordMismatch = errors.New("invalid password")
	ErrNoPassword       = errors.New("file is not password protected")
	ErrForbidden        = errors.New("not allowed to modify this file")
)

// Input the boundary let through but the engine refuses.
var (
	ErrInvalidPassword = errors.New("password must be at most 72 bytes")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrUnknownOwner    = errors.New("uploading user does not exist")
)

// Infrastructure faults, surfaced opaquely and never retried here.
var (
	ErrPersistence       = errors.New("persistence failure")
	ErrStorageIO         = errors.New("storage failure")
	ErrResourceExhausted = errors.New("could not allocate a unique identifier")
)
