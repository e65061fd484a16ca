package cmd

import (
	"github.com/arcward/dismod/dismod"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and the backend API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := dismod.New(cfg)
			if err != nil {
				log.Fatalf("error creating dismod: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running dismod: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
