package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"BatchLedger/internal/config"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/persistence"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether each is applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-26s - config file (optional; DSN and dir fall back to env)\n", config.PathEnv)
	fmt.Println("  BATCHLEDGER_POSTGRES_DSN   - Postgres connection string")
	fmt.Println("  BATCHLEDGER_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
}

func main() {
	configPath := flag.String("config", os.Getenv(config.PathEnv), "path to the YAML configuration file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	dsn, dir := dsnAndDir(*configPath)
	if dsn == "" {
		logger.Fatal().Msg("no Postgres DSN: set BATCHLEDGER_POSTGRES_DSN or pass -config")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, dir).WithLogger(logger)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migration status")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tAPPLIED\tFILE")
		for _, s := range statuses {
			fmt.Fprintf(w, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
		}
		w.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}

// dsnAndDir reads the DSN and migrations directory from the config file when
// one is given, else from the environment alone.
func dsnAndDir(path string) (string, string) {
	if path != "" {
		cfg, err := config.LoadConfig(path)
		if err == nil {
			return cfg.Postgres.DSN, cfg.Postgres.MigrationsDir
		}
		fmt.Fprintf(os.Stderr, "warning: %v; falling back to environment\n", err)
	}
	dir := os.Getenv("BATCHLEDGER_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	return os.Getenv("BATCHLEDGER_POSTGRES_DSN"), dir
}
