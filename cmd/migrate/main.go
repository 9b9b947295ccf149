// Command migrate applies the embedded PostgreSQL schema migrations.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"go.uber.org/zap"

	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/config"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/database"
	"github.com/davidleathers/debt-comms-compliance/internal/infrastructure/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, force")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
		version    = flag.Int("version", -1, "Version to force (force action)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment == "development")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Database.URL == "" {
		logger.Fatal("database.url is not configured")
	}

	m, err := database.NewMigrator(cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to create migrator", zap.Error(err))
	}
	defer m.Close()

	if err := run(m, *action, *steps, *version, logger); err != nil {
		logger.Fatal("migration failed", zap.String("action", *action), zap.Error(err))
	}
}

// migrator is the part of *migrate.Migrate the actions use
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (uint, bool, error)
}

func run(m migrator, action string, steps, version int, logger *zap.Logger) error {
	var err error
	switch action {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		if version < 0 {
			return fmt.Errorf("-version is required for force")
		}
		err = m.Force(version)
	case "status":
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to apply")
		err = nil
	}
	if err != nil {
		return err
	}

	current, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("migration status",
		zap.String("action", action),
		zap.Uint("version", current),
		zap.Bool("dirty", dirty))
	return nil
}
