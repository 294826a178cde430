package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/ui"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "maint",
		Short:   "Manage the docsync config file",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Long: `Write docsync.toml (or the file named by --config) with every setting at
its default value. An existing file is left alone unless --force is given.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := a.configPath
			if path == "" {
				path = config.FileName + ".toml"
			}
			if err := config.WriteFile(path, config.Defaults(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings as TOML, secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *a.cfg
			if shown.Replication.Password != "" {
				shown.Replication.Password = "********"
			}
			if shown.Replication.Token != "" {
				shown.Replication.Token = "********"
			}
			return config.Encode(cmd.OutOrStdout(), &shown)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
