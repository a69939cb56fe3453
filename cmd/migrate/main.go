package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cryptocrash/internal/database"
)

// migrationsDir is where create writes new files. They are embedded into
// the binary on the next build.
const migrationsDir = "./internal/database/migrations"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "create" {
		if len(os.Args) < 3 {
			log.Fatal().Msg("usage: migrate create <migration_name>")
		}
		createMigration(os.Args[2])
		return
	}

	db, err := sql.Open("pgx", database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Empty means the migrations embedded in the binary.
	migrationsPath := os.Getenv("MIGRATIONS_PATH")

	switch command {
	case "up":
		log.Info().Msg("running migrations")
		if err := database.RunMigrations(db, migrationsPath); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
		log.Info().Msg("migrations completed successfully")

	case "down":
		log.Info().Msg("rolling back last migration")
		if err := database.RollbackMigration(db, migrationsPath); err != nil {
			log.Fatal().Err(err).Msg("rollback failed")
		}
		log.Info().Msg("rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(db, migrationsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get version")
		}
		if dirty {
			log.Warn().Uint("version", version).Msg("current version is DIRTY, needs manual intervention")
		} else {
			log.Info().Uint("version", version).Msg("current version")
		}

	default:
		log.Error().Str("command", command).Msg("unknown command")
		printUsage()
		os.Exit(1)
	}
}

func createMigration(name string) {
	ups, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read migrations directory")
	}
	nextVersion := len(ups) + 1

	upFile := filepath.Join(migrationsDir, fmt.Sprintf("%06d_%s.up.sql", nextVersion, name))
	downFile := filepath.Join(migrationsDir, fmt.Sprintf("%06d_%s.down.sql", nextVersion, name))

	upContent := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n-- Add your SQL here\n", name, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		log.Fatal().Err(err).Msg("failed to create up migration")
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		log.Fatal().Err(err).Msg("failed to create down migration")
	}

	log.Info().Str("up", upFile).Str("down", downFile).Msg("created migration files")
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  BLUEPRINT_DB_HOST       Database host")
	fmt.Println("  BLUEPRINT_DB_PORT       Database port")
	fmt.Println("  BLUEPRINT_DB_DATABASE   Database name")
	fmt.Println("  BLUEPRINT_DB_USERNAME   Database user")
	fmt.Println("  BLUEPRINT_DB_PASSWORD   Database password")
	fmt.Println("  MIGRATIONS_PATH         Migrations directory (default: embedded)")
}
