package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"paperwurks.org/internal/config"
	"paperwurks.org/internal/migrate"
)

func main() {
	status := flag.Bool("status", false, "list pending migrations without applying them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("IDENTITY_PG_DSN is required")
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	manager := migrate.NewManager(db, cfg.MigrationsDir)

	if *status {
		pending, err := manager.Pending(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		if len(pending) == 0 {
			log.Println("no pending migrations")
			return
		}
		for _, name := range pending {
			log.Printf("pending: %s", name)
		}
		return
	}

	if err := manager.Up(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrations applied")
}
