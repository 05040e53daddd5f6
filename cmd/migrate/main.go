package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"mention_radar/migrations"
)

func main() {
	var dbPath string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the mention_radar database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOrDefault("DATABASE_PATH", "./data/radar.db"), "path to sqlite database")

	commands := []struct {
		use, short string
		run        func(db *sql.DB, dir string) error
	}{
		{"up", "Migrate to the latest version", func(db *sql.DB, dir string) error { return goose.Up(db, dir) }},
		{"up-one", "Migrate one version up", func(db *sql.DB, dir string) error { return goose.UpByOne(db, dir) }},
		{"down", "Roll back one version", func(db *sql.DB, dir string) error { return goose.Down(db, dir) }},
		{"status", "Show migration status", func(db *sql.DB, dir string) error { return goose.Status(db, dir) }},
		{"version", "Show current version", func(db *sql.DB, dir string) error { return goose.Version(db, dir) }},
		{"reset", "Roll back all migrations", func(db *sql.DB, dir string) error { return goose.Reset(db, dir) }},
	}
	for _, c := range commands {
		root.AddCommand(&cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return migrate(dbPath, c.use, c.run)
			},
		})
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrate(dbPath, name string, run func(db *sql.DB, dir string) error) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(migrations.Dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := run(db, "."); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
