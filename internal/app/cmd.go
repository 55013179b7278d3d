package app

import (
	"fmt"
	"runtime"

	"github.com/switchboard-rt/switchboard/internal/build"
	"github.com/switchboard-rt/switchboard/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func Switchboard() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "",
		Short: "Switchboard",
		Long:  "Switchboard – real-time bidirectional messaging server",
		Run: func(cmd *cobra.Command, args []string) {
			Run(cmd, configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "config.json", "path to config file")
	config.DefineFlags(cmd)

	cmd.AddCommand(versionCommand())
	cmd.AddCommand(genConfigCommand())
	cmd.AddCommand(checkConfigCommand())
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Switchboard version number",
		Long:  `Print the version number of Switchboard`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Switchboard v%s (Go version: %s)\n", build.Version, runtime.Version())
		},
	}
}

func checkConfigCommand() *cobra.Command {
	var checkConfigFile string
	cmd := &cobra.Command{
		Use:   "checkconfig",
		Short: "Check configuration file",
		Long:  `Check configuration file`,
		Run: func(cmd *cobra.Command, args []string) {
			err := config.ValidateConfigFile(checkConfigFile)
			if err != nil {
				log.Fatal().Err(err).Msg("error validating config")
			}
		},
	}
	cmd.Flags().StringVarP(&checkConfigFile, "config", "c", "config.json", "path to config file to check")
	return cmd
}

func genConfigCommand() *cobra.Command {
	var outputConfigFile string
	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Generate minimal configuration file",
		Long:  `Generate minimal configuration file`,
		Run: func(cmd *cobra.Command, args []string) {
			err := config.GenerateConfigFile(outputConfigFile)
			if err != nil {
				log.Fatal().Err(err).Msg("error generating config")
			}
			err = config.ValidateConfigFile(outputConfigFile)
			if err != nil {
				log.Fatal().Err(err).Msg("error validating generated config")
			}
		},
	}
	cmd.Flags().StringVarP(&outputConfigFile, "config", "c", "config.json", "path to configuration file to generate")
	return cmd
}
