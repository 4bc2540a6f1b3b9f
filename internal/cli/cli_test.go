package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ferry/internal/server/app"
	"ferry/internal/server/config"
	"ferry/internal/server/database"
	"ferry/internal/server/storage"
)

func testOpener(t *testing.T) Opener {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DatabaseDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "ferry.db")
	cfg.StoragePath = filepath.Join(dir, "files")

	return func(ctx context.Context) (*app.App, error) {
		return app.New(ctx, cfg)
	}
}

func run(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func assertValidationError(t *testing.T, err error, expectedArg string, expectedCause string) {
	t.Helper()
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if expectedArg != "" && validationErr.Arg != expectedArg {
		t.Errorf("expected Arg to be %q, got %q", expectedArg, validationErr.Arg)
	}
	if expectedCause != "" && validationErr.Cause != expectedCause {
		t.Errorf("expected Cause to be %q, got %q", expectedCause, validationErr.Cause)
	}
}

// Tests

func TestParseAdminEmail(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		arg   string
		cause string
	}{
		{name: "plain", in: "ops@example.com", want: "ops@example.com"},
		{name: "display name", in: "Ops <ops@example.com>", want: "ops@example.com"},
		{name: "empty", in: "", arg: "--admin-email", cause: "no email provided"},
		{name: "garbage", in: "not an email", arg: "not an email", cause: "not a valid email address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAdminEmail(tt.in)
			if tt.cause != "" {
				assertValidationError(t, err, tt.arg, tt.cause)
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSeed(t *testing.T) {
	open := testOpener(t)

	t.Run("validation runs before connecting", func(t *testing.T) {
		failing := func(context.Context) (*app.App, error) {
			t.Fatal("opener should not be called")
			return nil, nil
		}
		_, err := run(t, failing, "seed")
		assertValidationError(t, err, "--admin-email", "no email provided")
	})

	t.Run("creates admin", func(t *testing.T) {
		out, err := run(t, open, "seed", "--admin-email", "ops@example.com")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(out, "Created admin ops@example.com") {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		out, err := run(t, open, "seed", "--admin-email", "ops@example.com")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(out, "already exists") {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("refuses to promote", func(t *testing.T) {
		a, err := open(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		err = a.Repo.CreateUser(context.Background(), &database.User{ID: "u-plain", Email: "plain@example.com"})
		a.Close()
		if err != nil {
			t.Fatal(err)
		}

		_, err = run(t, open, "seed", "--admin-email", "plain@example.com")
		assertValidationError(t, err, "plain@example.com", "user exists and is not an admin")
	})
}

func TestMigrate(t *testing.T) {
	out, err := run(t, testOpener(t), "migrate")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out, "sqlite") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestSweep(t *testing.T) {
	out, err := run(t, testOpener(t), "sweep")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	var result storage.SweepResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("expected JSON result, got %q: %v", out, err)
	}
	if result.FilesDeleted != 0 || result.Skipped {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestSettings(t *testing.T) {
	open := testOpener(t)

	t.Run("show defaults", func(t *testing.T) {
		out, err := run(t, open, "settings")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		var s database.Settings
		if err := json.Unmarshal([]byte(out), &s); err != nil {
			t.Fatal(err)
		}
		if s.MaxFileSize != database.DefaultSettings().MaxFileSize {
			t.Errorf("expected default max file size, got %d", s.MaxFileSize)
		}
	})

	t.Run("apply patch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "patch.json")
		if err := os.WriteFile(path, []byte(`{"max_file_size": 5, "default_expiration": "7days"}`), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := run(t, open, "settings", "--apply", path); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		out, _ := run(t, open, "settings")
		var s database.Settings
		if err := json.Unmarshal([]byte(out), &s); err != nil {
			t.Fatal(err)
		}
		if s.MaxFileSize != 5 || s.DefaultExpiration != "7days" {
			t.Errorf("patch not persisted: %+v", s)
		}
	})

	t.Run("missing patch file", func(t *testing.T) {
		_, err := run(t, open, "settings", "--apply", "/nonexistent/patch.json")
		assertValidationError(t, err, "/nonexistent/patch.json", "not found or not accessible")
	})

	t.Run("malformed patch file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "patch.json")
		os.WriteFile(path, []byte(`{`), 0644)
		_, err := run(t, open, "settings", "--apply", path)
		assertValidationError(t, err, path, "not a valid settings patch")
	})
}
