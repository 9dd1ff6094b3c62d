package cmd

import (
	"github.com/baltarius/servitor/servitor"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the servitor bot, API and (optionally) webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if !cfg.Development {
				gin.SetMode(gin.ReleaseMode)
			}

			bot, err := servitor.New(cfg)
			if err != nil {
				log.Fatalf("error creating servitor: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running servitor: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
