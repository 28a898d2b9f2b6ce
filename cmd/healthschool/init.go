package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initUserName string

func init() {
	initCmd.Flags().StringVar(&initUserName, "name", "", "display name used as writerName in chat rooms")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <session-token>",
	Short: "Store the session token in ~/.healthschool/config.toml",
	Long:  "Initialize the CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.SessionToken = args[0]
		if initUserName != "" {
			cfg.Auth.UserName = initUserName
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Session token saved to %s\n", path)
		return nil
	},
}
