package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunupay/sunupay/simulator"
	"github.com/sunupay/sunupay/utils/logging"
)

// SimulatorCmd runs the sandbox simulator worker
var SimulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "subcommand to start up the sandbox simulator worker",
	Run:   runSimulator,
}

func init() {
	RootCmd.AddCommand(SimulatorCmd)

	SimulatorCmd.Flags().String("workspace-root", "",
		"directory for per-run sandbox workspaces (defaults to the system temp dir)")
	Must(viper.BindPFlag("workspace-root", SimulatorCmd.Flags().Lookup("workspace-root")))
	Must(viper.BindEnv("workspace-root", "SIMULATOR_WORKSPACE_ROOT"))

	SimulatorCmd.Flags().String("artifact-bucket", "",
		"object storage bucket for run log archival")
	Must(viper.BindPFlag("artifact-bucket", SimulatorCmd.Flags().Lookup("artifact-bucket")))
	Must(viper.BindEnv("artifact-bucket", "SIMULATOR_ARTIFACT_BUCKET"))
}

func runSimulator(command *cobra.Command, args []string) {
	ctx := command.Context()
	logger := logging.Logger(ctx, "cmd.simulator")

	db, err := simulator.NewPostgres(viper.GetString("datastore"), true)
	if err != nil {
		logger.Panic().Err(err).Msg("unable to connect to simulator db")
	}

	var artifacts simulator.ArtifactStore
	if viper.GetString("artifact-bucket") != "" {
		store, err := simulator.NewS3ArtifactStore(ctx)
		if err != nil {
			logger.Panic().Err(err).Msg("artifact store initialization failed")
		}
		artifacts = store
	} else {
		logger.Warn().Msg("no artifact bucket configured, run logs will not be archived")
	}

	worker := simulator.NewWorker(
		db,
		simulator.NewDockerRuntime(),
		artifacts,
		viper.GetString("workspace-root"),
	)

	logger.Info().Msg("simulator worker starting")
	worker.Run(ctx)
}
