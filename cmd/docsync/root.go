package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/steveyegge/docsync/internal/config"
	"github.com/steveyegge/docsync/internal/logging"
	"github.com/steveyegge/docsync/internal/store"
	"github.com/steveyegge/docsync/internal/ui"
)

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"db":              "db",
	"verbose":         "verbose",
	"log-file":        "log.file",
	"continuous":      "replication.continuous",
	"feed":            "replication.feed",
	"filter":          "replication.filter",
	"channel":         "replication.channels",
	"doc-id":          "replication.doc_ids",
	"create-target":   "replication.create_target",
	"no-attachments":  "replication.skip_attachments",
	"max-connections": "replication.max_connections",
	"user":            "replication.username",
	"password":        "replication.password",
	"token":           "replication.token",
	"dashboard":       "dashboard.enabled",
	"dashboard-port":  "dashboard.port",
	"debounce":        "watch.debounce",
}

// skipConfig marks commands that run without loading the config file.
const skipConfig = "docsync/skip-config"

// app is the state shared by every command of one invocation.
type app struct {
	configPath string

	v    *viper.Viper
	cfg  *config.Config
	logs *logging.Logs
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "Replicate documents between a local store and a remote database",
		Long: `docsync keeps a local document store in sync with a remote database that
speaks the CouchDB replication protocol.

Settings are read from docsync.toml (or docsync.yaml) in the working
directory or the user config directory, from DOCSYNC_* environment
variables and from flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureOutput(cmd.OutOrStdout())
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			return a.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logs != nil {
				return a.logs.Close()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default: ./docsync.toml)")
	cmd.PersistentFlags().String("db", "", "Local store path")
	cmd.PersistentFlags().String("log-file", "", "Write logs to this file, rotated by size")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")

	cmd.AddGroup(
		&cobra.Group{ID: "replication", Title: "Replication:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	cmd.AddCommand(newPullCmd(a))
	cmd.AddCommand(newPushCmd(a))
	cmd.AddCommand(newSyncCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newStatusCmd(a))
	cmd.AddCommand(newConfigCmd(a))

	return cmd
}

// load merges config file, environment and the flags set on cmd.
func (a *app) load(cmd *cobra.Command) error {
	a.v = config.New()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = a.v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logs = logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Stderr:     cfg.Log.Stderr,
	})
	return nil
}

func (a *app) logger(name string) *log.Logger {
	return a.logs.Logger(name)
}

func (a *app) openStore() (*store.Store, error) {
	st, err := store.OpenWithConfig(store.Config{
		Path:   a.cfg.DB,
		Logger: a.logger("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", a.cfg.DB, err)
	}
	return st, nil
}
