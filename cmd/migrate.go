package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunupay/sunupay/datastore/paystore"
	"github.com/sunupay/sunupay/utils/logging"
)

// MigrateCmd runs database migrations up to the current version
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "subcommand to migrate the database",
	Run:   runMigrate,
}

func init() {
	RootCmd.AddCommand(MigrateCmd)
}

func runMigrate(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.migrate")

	pg, err := paystore.NewPostgres(viper.GetString("datastore"), false)
	if err != nil {
		logger.Panic().Err(err).Msg("unable to connect to db")
	}
	if err := pg.Migrate(); err != nil {
		logger.Panic().Err(err).Msg("migration failed")
	}
	logger.Info().Uint("version", paystore.CurrentMigrationVersion).Msg("migrations applied")
}
