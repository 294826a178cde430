package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/importer"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/replication"
	"github.com/steveyegge/docsync/internal/ui"
)

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watch <dir>",
		GroupID: "replication",
		Short:   "Import a directory of JSON documents and keep watching it",
		Long: `Import every <docid>.json file in <dir> into the local store, then watch
the directory and import changes as files are written or deleted.

With --push the new local revisions are pushed to a remote database by a
continuous push running alongside the watcher.

Examples:
  docsync watch ./docs
  docsync watch --push http://localhost:5984/articles ./docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd, args[0])
		},
	}
	cmd.Flags().Duration("debounce", 0, "Quiet period before a changed file is imported")
	cmd.Flags().String("push", "", "Continuously push imported revisions to this remote")
	addReplicationFlags(cmd)
	return cmd
}

func (a *app) watch(cmd *cobra.Command, dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	im, err := importer.NewWithConfig(st, dir, &importer.Config{
		DebounceInterval: a.cfg.Watch.Debounce,
		Logger:           a.logger("importer"),
		Verbose:          a.cfg.Verbose,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	im.OnImport(func(docID string, action importer.Action, err error) {
		switch {
		case err != nil:
			fmt.Fprintf(out, "%s %s: %v\n", ui.RenderFail("✗"), docID, err)
		case action != importer.Unchanged:
			fmt.Fprintf(out, "%s %s %s\n", ui.RenderPass("✓"), docID, ui.RenderMuted(action.String()))
		}
	})

	var reps []*replication.Replicator
	pushURL, _ := cmd.Flags().GetString("push")
	if pushURL != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		a.cfg.Replication.Continuous = true
		reps, err = a.newReplicators(cmd, st, pushURL, m, replication.Push)
		if err != nil {
			return err
		}
		if a.cfg.Dashboard.Enabled {
			stop, err := a.startDashboard(out, reg, reps)
			if err != nil {
				return err
			}
			defer stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return im.Run(gctx) })
	if len(reps) > 0 {
		g.Go(func() error { return runReplicators(gctx, out, reps) })
	}

	fmt.Fprintf(out, "%s Watching %s (Ctrl+C to stop)\n", ui.RenderAccent("●"), dir)
	return g.Wait()
}
