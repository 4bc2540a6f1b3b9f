// Package service implements the file lifecycle: admission, naming,
// expiration, password-gated retrieval and owner operations.
package service

import (
	"context"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/events"
	"ferry/internal/server/storage"

	"golang.org/x/crypto/bcrypt"
)

// Repository is the persistence surface the lifecycle engine needs. Both
// database.Repository and sqlitedb.Repository satisfy it.
type Repository interface {
	GetSettings(ctx context.Context) (*database.Settings, error)
	SaveSettings(ctx context.Context, s *database.Settings) error

	CreateFile(ctx context.Context, file *database.File, quotaBytes int64) error
	GetFileByShareCode(ctx context.Context, code string) (*database.File, error)
	ListFilesByOwner(ctx context.Context, ownerID string) ([]*database.File, error)
	StorageUsed(ctx context.Context, ownerID string) (int64, error)
	IncrementDownloadCount(ctx context.Context, id string) error
	DeleteFile(ctx context.Context, id string) error

	GetStats(ctx context.Context, now time.Time) (*database.Stats, error)
	GetOwnerStats(ctx context.Context, ownerID string) (*database.OwnerStats, error)
}

// Compressor shrinks image payloads. Failure is never fatal to an upload.
type Compressor interface {
	Compress(ctx context.Context, data []byte, mimeType string) ([]byte, error)
}

// Options configures a FileService. Zero values pick defaults.
type Options struct {
	Clock      func() time.Time
	Hasher     PasswordHasher
	Compressor Compressor
	Events     events.Publisher
	BaseURL    string
}

// FileService contains the business logic for the file lifecycle.
type FileService struct {
	repo       Repository
	store      storage.Store
	now        func() time.Time
	hasher     PasswordHasher
	compressor Compressor
	events     events.Publisher
	baseURL    string
}

// NewFileService creates a new file service.
func NewFileService(repo Repository, store storage.Store, opts Options) *FileService {
	s := &FileService{
		repo:       repo,
		store:      store,
		now:        opts.Clock,
		hasher:     opts.Hasher,
		compressor: opts.Compressor,
		events:     opts.Events,
		baseURL:    opts.BaseURL,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.hasher == nil {
		s.hasher = NewBcryptHasher(bcrypt.DefaultCost, 0)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	return s
}

func (s *FileService) clock() time.Time {
	return s.now().UTC()
}

// ShareURL is the public download link for a share code.
func (s *FileService) ShareURL(code string) string {
	return s.baseURL + "/api/files/" + code
}

const bytesPerMB = 1024 * 1024

func mbToBytes(mb int64) int64 {
	return mb * bytesPerMB
}
