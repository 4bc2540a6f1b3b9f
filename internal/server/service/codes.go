package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// maxMintAttempts bounds retries for share-code and storage-name collisions.
const maxMintAttempts = 5

const shareCodeBytes = 4

// MintShareCode returns a fresh 8-character lowercase hex share code.
// Codes are random, never derived from content; uniqueness is enforced
// by the database and callers retry on collision.
func MintShareCode() (string, error) {
	b := make([]byte, shareCodeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// StorageName derives a one-shot on-disk name from the original name, the
// current time and a random salt, keeping the original extension. It is
// unrelated to the share code, so disk layout cannot be inferred from a
// public identifier.
func StorageName(originalName string, now time.Time) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(originalName))
	h.Write([]byte(strconv.FormatInt(now.UnixNano(), 10)))
	h.Write(salt)

	return hex.EncodeToString(h.Sum(nil)) + storageExt(originalName), nil
}

// storageExt returns the lowercased extension of name, or "" if it holds
// anything but ASCII letters and digits or is implausibly long.
func storageExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 17 {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		cut := 255 - len(ext)
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut] + ext
	}

	if name == "" || name == "." || name == "/" {
		name = "upload"
	}

	return name
}
