// Command migrate manages the database schema.
//
//	migrate -dsn postgres://... up
//	migrate -dsn postgres://... down
//	migrate -dsn postgres://... status
//	migrate -dsn postgres://... seed
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"campusgate.org/internal/migrate"
	"campusgate.org/internal/store/pg"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("CAMPUSGATE_DATABASE_URL"), "Postgres connection string")
	dir := flag.String("dir", "migrations", "directory holding migration files")
	flag.Parse()

	if err := run(*dsn, *dir, flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(dsn, dir, command string) error {
	if dsn == "" {
		return fmt.Errorf("a -dsn flag or CAMPUSGATE_DATABASE_URL is required")
	}
	ctx := context.Background()
	db, err := pg.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr, err := migrate.New(db, os.DirFS(dir))
	if err != nil {
		return err
	}

	switch command {
	case "up", "":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "status":
		pending, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
			return nil
		}
		for _, m := range pending {
			fmt.Printf("pending: %04d_%s\n", m.Version, m.Name)
		}
		return nil
	case "seed":
		body, err := os.ReadFile(filepath.Join(dir, "seed.sql"))
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		fmt.Println("seed applied")
		return nil
	default:
		return fmt.Errorf("unknown command %q (want up, down, status or seed)", command)
	}
}
