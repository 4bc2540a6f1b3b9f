// Package cli implements the ferry operator commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"time"

	"ferry/internal/server/app"
	"ferry/internal/server/database"
	"ferry/internal/server/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// Opener connects the backends a command needs. Commands call it only
// after their arguments validate.
type Opener func(ctx context.Context) (*app.App, error)

// NewRootCommand builds the ferry command tree.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "ferry",
		Short:         "Operate a ferry file-sharing server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCommand(open),
		newSeedCommand(open),
		newSweepCommand(open),
		newSettingsCommand(open),
	)
	return root
}

// withApp opens the backends for the duration of fn.
func withApp(cmd *cobra.Command, open Opener, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newMigrateCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// opening the repository applies pending migrations
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Schema is up to date (%s)\n", a.Config.DatabaseDriver)
				return nil
			})
		},
	}
}

func newSeedCommand(open Opener) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the first admin account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := ParseAdminEmail(email)
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				return seedAdmin(ctx, a.Repo, addr, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&email, "admin-email", "", "email address of the admin account")
	return cmd
}

// ParseAdminEmail validates the --admin-email flag and returns the bare address.
func ParseAdminEmail(raw string) (string, error) {
	if raw == "" {
		return "", &ValidationError{Arg: "--admin-email", Cause: "no email provided"}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", &ValidationError{Arg: raw, Cause: "not a valid email address"}
	}
	return addr.Address, nil
}

type userStore interface {
	CreateUser(ctx context.Context, u *database.User) error
	GetUserByEmail(ctx context.Context, email string) (*database.User, error)
}

func seedAdmin(ctx context.Context, repo userStore, email string, out io.Writer) error {
	existing, err := repo.GetUserByEmail(ctx, email)
	switch {
	case err == nil && existing.IsAdmin:
		fmt.Fprintf(out, "Admin %s already exists (id %s)\n", email, existing.ID)
		return nil
	case err == nil:
		return &ValidationError{Arg: email, Cause: "user exists and is not an admin"}
	case !errors.Is(err, database.ErrUserNotFound):
		return err
	}

	u := &database.User{
		ID:         uuid.NewString(),
		Email:      email,
		IsAdmin:    true,
		IsApproved: true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := repo.CreateUser(ctx, u); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Created admin %s (id %s)\n", email, u.ID)
	return nil
}

func newSweepCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired files, lapsed registrations and orphaned payloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				result, err := a.Sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newSettingsCommand(open Opener) *cobra.Command {
	var patchFile string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the upload policy, or patch it from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch *service.SettingsPatch
			if patchFile != "" {
				p, err := ReadSettingsPatch(patchFile)
				if err != nil {
					return err
				}
				patch = p
			}

			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				var (
					s   *database.Settings
					err error
				)
				if patch != nil {
					s, err = a.Service.UpdateSettings(ctx, *patch)
				} else {
					s, err = a.Service.GetSettings(ctx)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			})
		},
	}
	cmd.Flags().StringVar(&patchFile, "apply", "", "JSON file with the settings fields to change")
	return cmd
}

// ReadSettingsPatch loads a partial settings update from path.
func ReadSettingsPatch(path string) (*service.SettingsPatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Arg: path, Cause: "not found or not accessible"}
	}
	var patch service.SettingsPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, &ValidationError{Arg: path, Cause: "not a valid settings patch"}
	}
	return &patch, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
