package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"ferry/internal/cli"
	"ferry/internal/server/app"
	"ferry/internal/server/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	open := func(ctx context.Context) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return app.New(ctx, cfg)
	}

	if err := cli.NewRootCommand(open).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
