package main

// Run database migrations:
//   go run ./cmd/migrate
//   go run ./cmd/migrate -down   # roll back the latest migration

import (
	"context"
	"flag"
	"log"
	"os"

	"tryon-backend/internal/bootstrap"
	"tryon-backend/internal/shared/config"
	"tryon-backend/internal/shared/storage/db"
)

func main() {
	down := flag.Bool("down", false, "roll back the most recent migration")
	flag.Parse()

	cfg := config.Load()
	ctx := context.Background()

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, bootstrap.DBOptions(cfg, db.ProfileMigrate))
	if err != nil {
		log.Printf("failed to connect database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	run := db.RunMigrations
	if *down {
		run = db.RollbackMigration
	}
	if err := run(ctx, sqlDB); err != nil {
		log.Printf("migration failed: %v", err)
		os.Exit(1)
	}
}
