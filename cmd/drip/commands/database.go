package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/sagecrm/drip/config"
	"github.com/sagecrm/drip/db"
	"github.com/sagecrm/drip/errors"
	"github.com/sagecrm/drip/logger"
)

// openDatabase opens and migrates the engine database. The --database
// flag wins over the configured path.
func openDatabase(cmd *cobra.Command, cfg *config.Config) (*sql.DB, error) {
	dbPath, _ := cmd.Flags().GetString("database")
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
