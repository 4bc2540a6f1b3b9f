package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ferry/internal/server/database"
	"ferry/internal/server/storage"
)

func uploadRequest(owner string, data []byte, mimeType string) UploadRequest {
	return UploadRequest{
		Data:         bytes.NewReader(data),
		Size:         int64(len(data)),
		OriginalName: "file.bin",
		MimeType:     mimeType,
		OwnerID:      owner,
	}
}

func TestAdmit(t *testing.T) {
	const mb = 1024 * 1024
	ctx := context.Background()

	env := newTestEnv(t)
	settings := database.DefaultSettings()
	settings.AllowedFileTypes = []string{"image/png"}
	settings.MaxStoragePerUser = 2

	tests := []struct {
		name    string
		isAdmin bool
		size    int64
		mime    string
		wantErr error
	}{
		{"within limits", false, mb, "image/png", nil},
		{"too large for user", false, 150 * mb, "image/png", ErrFileTooLarge},
		{"admin limit is higher", true, 150 * mb, "image/png", nil},
		{"too large for admin", true, 10241 * mb, "image/png", ErrFileTooLarge},
		{"size checked before type", false, 150 * mb, "application/pdf", ErrFileTooLarge},
		{"unsupported type", false, mb, "application/pdf", ErrUnsupportedType},
		{"admins still bound by type", true, mb, "application/pdf", ErrUnsupportedType},
		{"over quota", false, 3 * mb, "image/png", ErrQuotaExceeded},
		{"admins exempt from quota", true, 3 * mb, "image/png", nil},
		{"exactly at quota", false, 2 * mb, "image/png", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.svc.Admit(ctx, settings, testUser, tt.isAdmin, tt.size, tt.mime)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected admission, got %v", err)
				}
				return
			}
			assertErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("wildcard admits any type", func(t *testing.T) {
		open := database.DefaultSettings()
		if err := env.svc.Admit(ctx, open, testUser, false, 10, "application/x-anything"); err != nil {
			t.Fatalf("expected admission, got %v", err)
		}
	})
}

func TestGetQuota(t *testing.T) {
	env := newTestEnv(t)
	env.setSettings(t, func(s *database.Settings) { s.MaxStoragePerUser = 1 })
	ctx := context.Background()

	data := bytes.Repeat([]byte("x"), 256*1024)
	if _, err := env.svc.Upload(ctx, uploadRequest(testUser, data, "text/plain")); err != nil {
		t.Fatalf("upload: %v", err)
	}

	q, err := env.svc.GetQuota(ctx, testUser)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if q.Used != int64(len(data)) {
		t.Errorf("expected used %d, got %d", len(data), q.Used)
	}
	if q.Max != 1024*1024 {
		t.Errorf("expected max 1MB, got %d", q.Max)
	}
	if q.Available != q.Max-q.Used {
		t.Errorf("expected available %d, got %d", q.Max-q.Used, q.Available)
	}
	if q.Percentage != 25 {
		t.Errorf("expected 25%%, got %d", q.Percentage)
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		env := newTestEnv(t)
		data := []byte("hello ferry")

		res, err := env.svc.Upload(ctx, uploadRequest(testUser, data, "text/plain"))
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		if len(res.ShareCode) != 8 {
			t.Errorf("expected 8-char share code, got %q", res.ShareCode)
		}
		if res.Metadata.Kind != database.MetadataNone {
			t.Errorf("expected no metadata, got %v", res.Metadata.Kind)
		}
		if res.ShareURL != "http://ferry.test/api/files/"+res.ShareCode {
			t.Errorf("unexpected share url %q", res.ShareURL)
		}

		rec := env.repo.byShareCode(t, res.ShareCode)
		if rec.Size != int64(len(data)) {
			t.Errorf("expected recorded size %d, got %d", len(data), rec.Size)
		}
		if rec.DownloadCount != 0 {
			t.Errorf("expected download count 0, got %d", rec.DownloadCount)
		}
		if rec.CustomName != "file.bin" {
			t.Errorf("expected custom name to default to original, got %q", rec.CustomName)
		}
		if rec.StorageName == res.ShareCode || filepath.Ext(rec.StorageName) != ".bin" {
			t.Errorf("unexpected storage name %q", rec.StorageName)
		}

		p, err := env.svc.Download(ctx, res.ShareCode, "")
		if err != nil {
			t.Fatalf("download: %v", err)
		}
		defer p.Close()
		got, _ := io.ReadAll(p)
		if !bytes.Equal(got, data) {
			t.Errorf("expected %q, got %q", data, got)
		}
	})

	t.Run("installs default settings when missing", func(t *testing.T) {
		env := newTestEnv(t)
		if _, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("x"), "text/plain")); err != nil {
			t.Fatalf("upload: %v", err)
		}
		if env.repo.settings == nil {
			t.Fatal("expected default settings to be saved")
		}
	})

	t.Run("default expiration applies", func(t *testing.T) {
		env := newTestEnv(t)
		env.setSettings(t, func(s *database.Settings) { s.DefaultExpiration = "7days" })

		res, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("x"), "text/plain"))
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		if res.ExpiresAt == nil {
			t.Fatal("expected an expiry")
		}
		want := env.clock.Now().Add(7 * 24 * time.Hour)
		if d := res.ExpiresAt.Sub(want); d < -time.Second || d > time.Second {
			t.Errorf("expected expiry near %v, got %v", want, *res.ExpiresAt)
		}
	})

	t.Run("unknown expiration never expires", func(t *testing.T) {
		env := newTestEnv(t)
		env.setSettings(t, func(s *database.Settings) { s.DefaultExpiration = "1day" })

		req := uploadRequest(testUser, []byte("x"), "text/plain")
		req.Options.Expiration = "fortnight"
		res, err := env.svc.Upload(ctx, req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		if res.ExpiresAt != nil {
			t.Errorf("expected no expiry, got %v", *res.ExpiresAt)
		}
	})

	t.Run("denials store nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.setSettings(t, func(s *database.Settings) { s.AllowedFileTypes = []string{"image/png"} })

		_, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("%PDF"), "application/pdf"))
		assertErrorIs(t, err, ErrUnsupportedType)
		if n := env.payloadCount(t); n != 0 {
			t.Errorf("expected no payloads, found %d", n)
		}
		if n := env.repo.fileCount(); n != 0 {
			t.Errorf("expected no records, found %d", n)
		}
	})

	t.Run("empty password means no protection", func(t *testing.T) {
		env := newTestEnv(t)
		req := uploadRequest(testUser, []byte("x"), "text/plain")
		req.Options.Password = ""
		res, err := env.svc.Upload(ctx, req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		if rec := env.repo.byShareCode(t, res.ShareCode); rec.PasswordHash != nil {
			t.Errorf("expected no password hash, got %q", *rec.PasswordHash)
		}
	})

	t.Run("password is hashed", func(t *testing.T) {
		env := newTestEnv(t)
		req := uploadRequest(testUser, []byte("x"), "text/plain")
		req.Options.Password = "hunter22"
		res, err := env.svc.Upload(ctx, req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		rec := env.repo.byShareCode(t, res.ShareCode)
		if rec.PasswordHash == nil || *rec.PasswordHash == "hunter22" {
			t.Errorf("expected hashed password, got %v", rec.PasswordHash)
		}
		if !res.HasPassword {
			t.Error("expected has_password")
		}
	})

	t.Run("overlong password is refused", func(t *testing.T) {
		env := newTestEnv(t)
		req := uploadRequest(testUser, []byte("x"), "text/plain")
		req.Options.Password = string(bytes.Repeat([]byte("p"), 73))
		_, err := env.svc.Upload(ctx, req)
		assertErrorIs(t, err, ErrInvalidPassword)
		if n := env.payloadCount(t); n != 0 {
			t.Errorf("expected no payloads, found %d", n)
		}
	})

	t.Run("unknown owner removes payload", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Upload(ctx, uploadRequest("ghost", []byte("x"), "text/plain"))
		assertErrorIs(t, err, ErrUnknownOwner)
		if n := env.payloadCount(t); n != 0 {
			t.Errorf("expected orphan payload to be removed, found %d", n)
		}
	})
}

func TestUploadCompression(t *testing.T) {
	ctx := context.Background()
	original := bytes.Repeat([]byte("p"), 1000)

	t.Run("compressed bytes are stored", func(t *testing.T) {
		shrunk := bytes.Repeat([]byte("j"), 400)
		env := newTestEnv(t, func(o *Options) {
			o.Compressor = compressFunc(func(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
				return shrunk, nil
			})
		})

		req := uploadRequest(testUser, original, "image/png")
		req.Options.Compress = true
		res, err := env.svc.Upload(ctx, req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}

		if res.Size != 400 {
			t.Errorf("expected size 400, got %d", res.Size)
		}
		if res.Metadata.Kind != database.MetadataCompression {
			t.Fatalf("expected compression metadata, got %v", res.Metadata.Kind)
		}
		want := database.CompressionStats{OriginalSize: 1000, CompressedSize: 400, SavedBytes: 600, SavedPercentage: 60}
		if *res.Metadata.Compression != want {
			t.Errorf("expected %+v, got %+v", want, *res.Metadata.Compression)
		}

		if env.repo.byShareCode(t, res.ShareCode).MimeType != "image/png" {
			t.Error("expected mime type to be kept")
		}

		p, err := env.svc.Download(ctx, res.ShareCode, "")
		if err != nil {
			t.Fatalf("download: %v", err)
		}
		defer p.Close()
		got, _ := io.ReadAll(p)
		if !bytes.Equal(got, shrunk) {
			t.Error("expected download to return the compressed payload")
		}
	})

	t.Run("compressor failure keeps original", func(t *testing.T) {
		env := newTestEnv(t, func(o *Options) {
			o.Compressor = compressFunc(func(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
				return nil, errors.New("corrupt image")
			})
		})

		req := uploadRequest(testUser, original, "image/png")
		req.Options.Compress = true
		res, err := env.svc.Upload(ctx, req)
		if err != nil {
			t.Fatalf("expected upload to succeed, got %v", err)
		}
		if res.Size != int64(len(original)) {
			t.Errorf("expected original size, got %d", res.Size)
		}
		if res.Metadata.Kind != database.MetadataNone {
			t.Errorf("expected no metadata, got %v", res.Metadata.Kind)
		}
	})

	t.Run("non-images are never compressed", func(t *testing.T) {
		called := false
		env := newTestEnv(t, func(o *Options) {
			o.Compressor = compressFunc(func(ctx context.Context, data []byte, mimeType string) ([]byte, error) {
				called = true
				return data, nil
			})
		})

		req := uploadRequest(testUser, original, "application/pdf")
		req.Options.Compress = true
		if _, err := env.svc.Upload(ctx, req); err != nil {
			t.Fatalf("upload: %v", err)
		}
		if called {
			t.Error("compressor should not run for non-images")
		}
	})
}

func TestUploadCollisions(t *testing.T) {
	ctx := context.Background()

	t.Run("share code collision retries", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.failShareCodes = maxMintAttempts - 1

		if _, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("x"), "text/plain")); err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
		if n := env.repo.fileCount(); n != 1 {
			t.Errorf("expected 1 record, got %d", n)
		}
	})

	t.Run("share code exhaustion", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.failShareCodes = maxMintAttempts

		_, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("x"), "text/plain"))
		assertErrorIs(t, err, ErrResourceExhausted)
		if n := env.payloadCount(t); n != 0 {
			t.Errorf("expected payload removed, found %d", n)
		}
	})

	t.Run("recorded storage name retries with fresh payload", func(t *testing.T) {
		env := newTestEnv(t)
		env.repo.failStorageNames = 2

		data := []byte("replayed payload")
		res, err := env.svc.Upload(ctx, uploadRequest(testUser, data, "text/plain"))
		if err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
		if n := env.payloadCount(t); n != 1 {
			t.Errorf("expected exactly one payload, found %d", n)
		}

		rec := env.repo.byShareCode(t, res.ShareCode)
		got, err := os.ReadFile(filepath.Join(env.dir, rec.StorageName))
		if err != nil {
			t.Fatalf("read payload: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("expected replayed bytes %q, got %q", data, got)
		}
	})

	t.Run("existing payload name retries", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.store = &collidingStore{Store: env.store, collisions: 3}

		if _, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("x"), "text/plain")); err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
	})

	t.Run("payload name exhaustion", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.store = &collidingStore{Store: env.store, collisions: maxMintAttempts}

		_, err := env.svc.Upload(ctx, uploadRequest(testUser, []byte("x"), "text/plain"))
		assertErrorIs(t, err, ErrResourceExhausted)
	})
}

func TestUploadQuotaRace(t *testing.T) {
	env := newTestEnv(t)
	env.setSettings(t, func(s *database.Settings) { s.MaxStoragePerUser = 1 })
	ctx := context.Background()

	// Each upload passes admission alone; together they exceed the quota.
	data := bytes.Repeat([]byte("q"), 400*1024)

	const uploads = 8
	var wg sync.WaitGroup
	errs := make([]error, uploads)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Upload(ctx, uploadRequest(testUser, data, "text/plain"))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrQuotaExceeded):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	used, _ := env.repo.StorageUsed(ctx, testUser)
	if used > 1024*1024 {
		t.Errorf("quota overrun: %d bytes stored", used)
	}
	if accepted != 2 {
		t.Errorf("expected 2 accepted uploads, got %d", accepted)
	}
	if n := env.payloadCount(t); n != accepted {
		t.Errorf("expected %d payloads, found %d", accepted, n)
	}
}

func TestUploadStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.svc.store = storage.NewFileSystemStore(filepath.Join(env.dir, "missing"))

	_, err := env.svc.Upload(context.Background(), uploadRequest(testUser, []byte("x"), "text/plain"))
	assertErrorIs(t, err, ErrStorageIO)
	if n := env.repo.fileCount(); n != 0 {
		t.Errorf("expected no record without a payload, found %d", n)
	}
}
