package service

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/storage"
)

// memRepo is an in-memory Repository with the same uniqueness and quota
// semantics as the SQL backends.
type memRepo struct {
	mu       sync.Mutex
	settings *database.Settings
	users    map[string]bool
	files    map[string]*database.File

	// failShareCodes makes the next n inserts report a share code collision.
	failShareCodes int
	// failStorageNames makes the next n inserts report a storage name collision.
	failStorageNames int
	// beforeIncrement runs inside IncrementDownloadCount before the update.
	beforeIncrement func()
}

func newMemRepo(users ...string) *memRepo {
	r := &memRepo{
		users: make(map[string]bool),
		files: make(map[string]*database.File),
	}
	for _, u := range users {
		r.users[u] = true
	}
	return r
}

func (r *memRepo) GetSettings(ctx context.Context) (*database.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settings == nil {
		return nil, database.ErrSettingsNotFound
	}
	cp := *r.settings
	cp.AllowedFileTypes = slices.Clone(r.settings.AllowedFileTypes)
	return &cp, nil
}

func (r *memRepo) SaveSettings(ctx context.Context, s *database.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.settings = &cp
	return nil
}

func (r *memRepo) CreateFile(ctx context.Context, file *database.File, quotaBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failShareCodes > 0 {
		r.failShareCodes--
		return database.ErrShareCodeTaken
	}
	if r.failStorageNames > 0 {
		r.failStorageNames--
		return database.ErrStorageNameTaken
	}
	if !r.users[file.OwnerID] {
		return database.ErrUserNotFound
	}

	var used int64
	for _, f := range r.files {
		if f.ShareCode == file.ShareCode {
			return database.ErrShareCodeTaken
		}
		if f.StorageName == file.StorageName {
			return database.ErrStorageNameTaken
		}
		if f.OwnerID == file.OwnerID {
			used += f.Size
		}
	}
	if quotaBytes != database.NoQuota && used+file.Size > quotaBytes {
		return database.ErrQuotaExceeded
	}

	cp := *file
	r.files[file.ID] = &cp
	return nil
}

func (r *memRepo) GetFileByShareCode(ctx context.Context, code string) (*database.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.ShareCode == code {
			cp := *f
			return &cp, nil
		}
	}
	return nil, database.ErrFileNotFound
}

func (r *memRepo) ListFilesByOwner(ctx context.Context, ownerID string) ([]*database.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*database.File
	for _, f := range r.files {
		if f.OwnerID == ownerID {
			cp := *f
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *database.File) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (r *memRepo) StorageUsed(ctx context.Context, ownerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var used int64
	for _, f := range r.files {
		if f.OwnerID == ownerID {
			used += f.Size
		}
	}
	return used, nil
}

func (r *memRepo) IncrementDownloadCount(ctx context.Context, id string) error {
	if r.beforeIncrement != nil {
		r.beforeIncrement()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return database.ErrFileNotFound
	}
	f.DownloadCount++
	return nil
}

func (r *memRepo) DeleteFile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[id]; !ok {
		return database.ErrFileNotFound
	}
	delete(r.files, id)
	return nil
}

func (r *memRepo) GetStats(ctx context.Context, now time.Time) (*database.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &database.Stats{TotalUsers: int64(len(r.users))}
	for _, f := range r.files {
		stats.TotalFiles++
		stats.TotalDownloads += f.DownloadCount
		stats.StorageUsed += f.Size
		if !f.Expired(now) {
			stats.ActiveFiles++
		}
	}
	return stats, nil
}

func (r *memRepo) GetOwnerStats(ctx context.Context, ownerID string) (*database.OwnerStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &database.OwnerStats{FilesByType: make(map[string]int64)}
	for _, f := range r.files {
		if f.OwnerID != ownerID {
			continue
		}
		stats.TotalFiles++
		stats.TotalDownloads += f.DownloadCount
		stats.FilesByType[f.MimeType]++
	}
	return stats, nil
}

func (r *memRepo) fileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func (r *memRepo) byShareCode(t *testing.T, code string) *database.File {
	t.Helper()
	f, err := r.GetFileByShareCode(context.Background(), code)
	if err != nil {
		t.Fatalf("record for %s: %v", code, err)
	}
	return f
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// plainHasher is a fast stand-in for bcrypt.
type plainHasher struct{}

func (plainHasher) Hash(ctx context.Context, secret string) (string, error) {
	return "hashed:" + secret, nil
}

func (plainHasher) Verify(ctx context.Context, secret, digest string) (bool, error) {
	return digest == "hashed:"+secret, nil
}

type compressFunc func(ctx context.Context, data []byte, mimeType string) ([]byte, error)

func (f compressFunc) Compress(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
	return f(ctx, data, mimeType)
}

// collidingStore reports ErrExists for the first n saves.
type collidingStore struct {
	storage.Store
	collisions int
}

func (s *collidingStore) Save(ctx context.Context, name string, data io.Reader, size int64) (int64, error) {
	if s.collisions > 0 {
		s.collisions--
		return 0, storage.ErrExists
	}
	return s.Store.Save(ctx, name, data, size)
}

type testEnv struct {
	svc   *FileService
	repo  *memRepo
	store *storage.FileSystemStore
	dir   string
	clock *fakeClock
}

const (
	testUser  = "user-1"
	testOther = "user-2"
	testAdmin = "admin-1"
)

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		repo:  newMemRepo(testUser, testOther, testAdmin),
		store: storage.NewFileSystemStore(dir),
		dir:   dir,
		clock: newFakeClock(),
	}
	o := Options{
		Clock:   env.clock.Now,
		Hasher:  plainHasher{},
		BaseURL: "http://ferry.test",
	}
	for _, fn := range opts {
		fn(&o)
	}
	env.svc = NewFileService(env.repo, env.store, o)
	return env
}

func (e *testEnv) setSettings(t *testing.T, mutate func(*database.Settings)) {
	t.Helper()
	s := database.DefaultSettings()
	if mutate != nil {
		mutate(s)
	}
	if err := e.repo.SaveSettings(context.Background(), s); err != nil {
		t.Fatalf("save settings: %v", err)
	}
}

func (e *testEnv) payloadCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		t.Fatalf("read storage dir: %v", err)
	}
	return len(entries)
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
