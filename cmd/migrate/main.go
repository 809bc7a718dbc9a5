package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ignite/audience/internal/config"
	"github.com/ignite/audience/internal/delivery"
	"github.com/ignite/audience/internal/jobs"
	"github.com/ignite/audience/internal/pkg/database"
	"github.com/ignite/audience/internal/rules"
)

// auditedTables are the tables owned by this service.
var auditedTables = []string{
	"rules", "population_jobs",
	"lists", "list_members", "campaigns", "campaign_sends", "journeys", "journey_entrances",
}

func main() {
	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	cfg, err := config.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	db, err := database.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	if listOnly {
		listTables(db)
		return
	}

	err = database.EnsureSchemas(ctx,
		rules.NewStore(db, nil, 0),
		jobs.NewQueue(db, jobs.QueueConfig{}),
		delivery.NewStore(db),
	)
	if err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	log.Println("Built-in schema up to date")

	applyDir(db, dir)
	log.Println("Migrations complete")
}

func listTables(db *sql.DB) {
	rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename = ANY($1::text[]) ORDER BY tablename",
		"{"+strings.Join(auditedTables, ",")+"}")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		rows.Scan(&t)
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d of %d tables\n", n, len(auditedTables))
}

// applyDir runs the .sql files of dir in name order, each in its own
// transaction. A missing directory is not an error.
func applyDir(db *sql.DB, dir string) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var okCount, errCount int
	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.Begin()
		if err != nil {
			fmt.Printf("BEGIN ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.Exec(content); err != nil {
			tx.Rollback()
			fmt.Printf("ERROR: %v\n", err)
			errCount++
		} else {
			tx.Commit()
			fmt.Println("OK")
			okCount++
		}
	}
	log.Printf("Done: %d OK, %d errors", okCount, errCount)
}
