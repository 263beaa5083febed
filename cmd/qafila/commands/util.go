package commands

import (
	"database/sql"
	"os"

	"github.com/teranos/qafila/config"
	"github.com/teranos/qafila/db"
	"github.com/teranos/qafila/errors"
	"github.com/teranos/qafila/flag"
	"github.com/teranos/qafila/job"
	"github.com/teranos/qafila/logger"
)

// ConfigPath is set by the root command's --config flag.
var ConfigPath string

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return cfg, nil
}

// openDatabase opens the configured database with the schema applied.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// newJobService builds the control-action service the CLI commands share.
// Flags go through the database so a running daemon sees them.
func newJobService(database *sql.DB) *job.Service {
	return job.NewService(job.NewStore(database), flag.NewSQLStore(database), nil, logger.Logger)
}

// actor identifies the operator in the audit trail.
func actor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}
