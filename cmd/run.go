package cmd

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/starward/starcore/starcore"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Starcore service and (optionally) the stats API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		// Local .env files are optional
		_ = godotenv.Load()

		core, err := starcore.New(cfg)
		if err != nil {
			log.Fatalf("error creating starcore: %s", err.Error())
		}

		if err = core.Run(ctx); err != nil {
			log.Fatalf("error running starcore: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
