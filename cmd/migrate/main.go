// Command migrate applies the fulfillment schema with goose.
//
//	migrate [-dir path] up|down|status|redo|reset|version|validate|to <version>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/platform/migrate"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping migrations")
		return
	}
	if err := run(os.Args[1:]); err != nil {
		slog.Default().Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dir := flags.String("dir", "", "read migrations from this directory instead of the embedded set")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return fmt.Errorf("usage: migrate [-dir path] up|down|status|redo|reset|version|validate|to <version>")
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)
	if *dir == "" {
		*dir = cfg.MigrationsDir
	}
	fsys, root := migrate.Source(*dir)

	command := flags.Arg(0)
	if command == "validate" {
		if err := migrate.Validate(fsys, root); err != nil {
			return err
		}
		logger.Info("migrations valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := migrate.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if command == "to" {
		if flags.NArg() < 2 {
			return fmt.Errorf("migrate to: version required")
		}
		return migrate.MigrateToVersion(ctx, db, fsys, root, flags.Arg(1))
	}
	if err := migrate.Run(ctx, db, fsys, root, command, flags.Args()[1:]...); err != nil {
		return err
	}
	logger.Info("migrate finished", slog.String("command", command))
	return nil
}
