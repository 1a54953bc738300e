// Package migrate applies the embedded goose migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Dir is the migrations directory inside the embedded filesystem.
const Dir = "migrations"

//go:embed migrations/*.sql
var embedded embed.FS

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// Open returns a database/sql handle over the pgx driver for goose.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: open: %w", err)
	}
	return db, nil
}

// Source picks the embedded migrations, or an on-disk directory when dir is set.
func Source(dir string) (fs.FS, string) {
	if dir != "" {
		return os.DirFS(dir), "."
	}
	return embedded, Dir
}

// Run executes a goose command (up, down, status, redo, reset, version).
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("migrate: db is required")
	}
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("migrate: goose %s: %w", command, err)
	}
	return nil
}

// MigrateToVersion moves the schema up or down to target.
func MigrateToVersion(ctx context.Context, db *sql.DB, fsys fs.FS, dir, target string) error {
	version, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("migrate: invalid version %q: %w", target, err)
	}
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate: set dialect: %w", err)
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate: db version: %w", err)
	}
	switch {
	case current == version:
		return nil
	case current < version:
		return goose.UpToContext(ctx, db, dir, version)
	default:
		return goose.DownToContext(ctx, db, dir, version)
	}
}

// Validate checks file names and goose annotations without touching a database.
func Validate(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("migrate: read dir: %w", err)
	}
	seen := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			return fmt.Errorf("migrate: invalid file name %q", e.Name())
		}
		if prev, ok := seen[m[1]]; ok {
			return fmt.Errorf("migrate: duplicate version %s in %q and %q", m[1], prev, e.Name())
		}
		seen[m[1]] = e.Name()
		body, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return err
		}
		txt := string(body)
		if !strings.Contains(txt, "-- +goose Up") || !strings.Contains(txt, "-- +goose Down") {
			return fmt.Errorf("migrate: %q missing goose Up/Down markers", e.Name())
		}
	}
	if len(seen) == 0 {
		return fmt.Errorf("migrate: no migrations in %q", dir)
	}
	return nil
}
