package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 分发 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withConsole("migrate up", subargs, func(ctx context.Context, console *migration.Console) error {
			return console.Up(ctx)
		})
	case "down":
		runMigrateDown(subargs)
	case "status":
		withConsole("migrate status", subargs, func(ctx context.Context, console *migration.Console) error {
			return console.Status(ctx)
		})
	case "version":
		withConsole("migrate version", subargs, func(ctx context.Context, console *migration.Console) error {
			return console.Version(ctx)
		})
	case "goto":
		version := parseVersionArg(args, "modelgate migrate goto <version>")
		withConsole("migrate goto", subargs[1:], func(ctx context.Context, console *migration.Console) error {
			return console.Goto(ctx, uint(version))
		})
	case "force":
		version := parseVersionArg(args, "modelgate migrate force <version>")
		withConsole("migrate force", subargs[1:], func(ctx context.Context, console *migration.Console) error {
			return console.Force(ctx, int(version))
		})
	case "reset":
		withConsole("migrate reset", subargs, func(ctx context.Context, console *migration.Console) error {
			return console.DownAll(ctx)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

// runMigrateDown 回滚最后一次迁移，--all 回滚全部
func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	console := migration.NewConsole(migrator)
	ctx := context.Background()

	if *all {
		err = console.DownAll(ctx)
	} else {
		err = console.Down(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration rollback failed: %v\n", err)
		os.Exit(1)
	}
}

// withConsole 构建迁移器并执行一个子命令
func withConsole(name string, args []string, fn func(context.Context, *migration.Console) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := fn(context.Background(), migration.NewConsole(migrator)); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", name, err)
		os.Exit(1)
	}
}

// createMigrator 从命令行参数或配置文件构建迁移器
func createMigrator(fs *flag.FlagSet, args []string) (*migration.SchemaMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func parseVersionArg(args []string, usage string) uint64 {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		os.Exit(1)
	}
	version, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[1])
		os.Exit(1)
	}
	return version
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  modelgate migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for all)
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  modelgate migrate up
  modelgate migrate up --config /etc/modelgate/config.yaml
  modelgate migrate down
  modelgate migrate status
  modelgate migrate goto 1
  modelgate migrate force 0
  modelgate migrate reset`)
}
