package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/angelmondragon/storebot/pkg/config"
	"github.com/angelmondragon/storebot/pkg/db"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/migrate"
	"github.com/joho/godotenv"
)

const usageText = `storebot-migrate manages the order ledger schema (orders, carts,
catalog variants, webhook events and notification outbox).

Usage:
  storebot-migrate [flags]

Commands (-cmd):
  up        apply every pending migration (default)
  down      roll back the latest migration
  redo      roll back and re-apply the latest migration
  status    list applied and pending migrations
  version   migrate up or down to -version
  create    write a new SQL migration named -name
  validate  check goose annotations without a database

Environment:
  STOREBOT_DB_DSN           Postgres DSN of the ledger database
  STOREBOT_DB_DRIVER        must be postgres; sqlite schemas use AutoMigrate
  STOREBOT_MIGRATIONS_DIR   overrides the default -dir
  STOREBOT_APP_ENV          down, redo and version are refused in prod without -force

Flags:
`

// destructive commands can drop order history.
var destructive = map[string]bool{"down": true, "redo": true, "version": true}

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "storebot-migrate"})

	_ = godotenv.Load()

	defaultDir := migrate.DefaultDir
	if env := strings.TrimSpace(os.Getenv("STOREBOT_MIGRATIONS_DIR")); env != "" {
		defaultDir = env
	}

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	cmd := flag.String("cmd", "up", "one of up|down|redo|status|version|create|validate")
	dir := flag.String("dir", defaultDir, "goose migrations directory")
	name := flag.String("name", "", "name of the migration to create, e.g. add_coupons")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	force := flag.Bool("force", false, "allow down, redo and version against a prod database")
	flag.Parse()

	// create and validate only touch the migrations directory
	switch *cmd {
	case "create":
		if *name == "" {
			exitf("-name is required for create, e.g. -name=add_coupons")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			exitf("create migration: %v", err)
		}
		fmt.Println("created", path)
		return
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			exitf("invalid migrations in %s: %v", *dir, err)
		}
		fmt.Println("migrations in", *dir, "are valid")
		return
	case "up", "down", "redo", "status", "version":
	default:
		flag.Usage()
		exitf("unknown -cmd %q", *cmd)
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "storebot-migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{
		"env": cfg.App.Env,
		"cmd": *cmd,
		"dir": *dir,
	})

	if cfg.DB.Driver != "postgres" {
		exitf("goose migrations target postgres, got STOREBOT_DB_DRIVER=%s", cfg.DB.Driver)
	}
	if destructive[*cmd] && cfg.App.IsProd() && !*force {
		exitf("refusing %s against prod without -force", *cmd)
	}
	if *cmd == "version" && *version == "" {
		exitf("-version is required for version")
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "ledger database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql handle", err)

	if *cmd == "version" {
		err = migrate.MigrateToVersion(ctx, sqlDB, *dir, *version)
	} else {
		err = migrate.Run(ctx, sqlDB, *dir, *cmd)
	}
	if err != nil {
		logg.Error(ctx, "migration failed", err)
		os.Exit(1)
	}
	logg.Info(ctx, "migration finished")
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "storebot-migrate: "+format+"\n", args...)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
