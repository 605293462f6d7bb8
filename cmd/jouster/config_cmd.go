package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/beffjarker/jouster/internal/config"
	"github.com/beffjarker/jouster/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage jouster.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	Long: `Write jouster.toml with defaults, to --config or ./jouster.toml.

On a terminal the main settings are asked for first; --defaults skips the
questions.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipConfigLoad: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		defaults, _ := cmd.Flags().GetBool("defaults")

		path := configPath
		if path == "" {
			path = config.FileName
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to replace it)", path)
		}

		c := config.DefaultConfig()
		if !defaults && config.Interactive() {
			if err := config.Prompt(c); err != nil {
				if errors.Is(err, config.ErrAborted) {
					fmt.Println("Aborted, nothing written")
					return nil
				}
				return err
			}
		}

		if err := config.Write(path, c, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file and JOUSTER_*
environment overrides. The secret access key is masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		if shown.Store.SecretAccessKey != "" {
			shown.Store.SecretAccessKey = "********"
		}
		data, err := config.Marshal(&shown)
		if err != nil {
			return err
		}

		source := cfg.Source
		if source == "" {
			source = "defaults (no config file found)"
		}
		fmt.Printf("%s\n\n", ui.RenderMuted("# source: "+source))
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "replace an existing file")
	configInitCmd.Flags().Bool("defaults", false, "write defaults without asking")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
