// Command migrate applies the SQL files in a migrations directory, in name
// order, each inside its own transaction.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/repository/postgres"
)

// managedTables are the tables the migrations own.
var managedTables = []string{
	"ig_audience_snapshots",
	"ingest_logs",
	"meta_cache",
	"metrics_coverage",
	"metrics_daily",
	"metrics_daily_rollup",
}

func main() {
	listOnly := flag.Bool("list", false, "list the managed tables and exit")
	flag.Parse()
	dir := "migrations"
	if flag.NArg() > 0 {
		dir = flag.Arg(0)
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, config.DatabaseConfig{
		URL:          os.Getenv("DATABASE_URL"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	if *listOnly {
		if err := listTables(ctx, db, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	files, err := migrationFiles(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}
	ok, failed := apply(ctx, db, dir, files, os.Stdout)
	log.Printf("Done: %d applied, %d failed", ok, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// migrationFiles returns the .sql files of dir sorted by name.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// apply runs each file in a transaction. A failing file is rolled back and
// the remaining files still run.
func apply(ctx context.Context, db *sql.DB, dir string, files []string, out io.Writer) (ok, failed int) {
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			fmt.Fprintf(out, "  %s ... READ ERROR: %v\n", f, err)
			failed++
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		fmt.Fprintf(out, "  %s ... ", f)
		if err := execFile(ctx, db, string(data)); err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
			failed++
			continue
		}
		fmt.Fprintln(out, "OK")
		ok++
	}
	return ok, failed
}

func execFile(ctx context.Context, db *sql.DB, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, content); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// listTables prints which managed tables exist.
func listTables(ctx context.Context, db *sql.DB, out io.Writer) error {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		present[t] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	n := 0
	for _, t := range managedTables {
		mark := "missing"
		if present[t] {
			mark = "ok"
			n++
		}
		fmt.Fprintf(out, "  %-24s %s\n", t, mark)
	}
	fmt.Fprintf(out, "Total: %d of %d tables\n", n, len(managedTables))
	return nil
}
