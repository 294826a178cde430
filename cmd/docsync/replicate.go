package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/docsync/internal/dashboard"
	"github.com/steveyegge/docsync/internal/metrics"
	"github.com/steveyegge/docsync/internal/replication"
	"github.com/steveyegge/docsync/internal/store"
	"github.com/steveyegge/docsync/internal/ui"
)

func newPullCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pull <url>",
		GroupID: "replication",
		Short:   "Pull changes from a remote database into the local store",
		Long: `Pull revisions from the remote database at <url> into the local store.

Without --continuous the pull stops once it has caught up with the remote
changes feed. With --continuous it keeps following the feed (long-poll by
default, see --feed) until interrupted.

Examples:
  docsync pull http://localhost:5984/articles
  docsync pull --continuous --feed websocket https://sync.example.com/db
  docsync pull --channel news --channel sports https://sync.example.com/db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replicate(cmd, args[0], replication.Pull)
		},
	}
	addReplicationFlags(cmd)
	return cmd
}

func newPushCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "push <url>",
		GroupID: "replication",
		Short:   "Push local changes to a remote database",
		Long: `Push local revisions the remote database at <url> does not have yet.

Large attachments are uploaded as multipart documents; smaller ones are
inlined into _bulk_docs. With --continuous the push keeps sending local
changes as they are made until interrupted.

Examples:
  docsync push --create-target http://localhost:5984/articles
  docsync push --continuous --doc-id doc1 --doc-id doc2 http://localhost:5984/db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replicate(cmd, args[0], replication.Push)
		},
	}
	addReplicationFlags(cmd)
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync <url>",
		GroupID: "replication",
		Short:   "Pull and push concurrently",
		Long: `Run a pull and a push against <url> at the same time. If either fails
the other is stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.replicate(cmd, args[0], replication.Pull, replication.Push)
		},
	}
	addReplicationFlags(cmd)
	return cmd
}

func addReplicationFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("continuous", false, "Keep replicating until interrupted")
	f.String("feed", "longpoll", "Changes feed of a continuous pull: longpoll, continuous or websocket")
	f.String("filter", "", "Server-side filter function (design/filter)")
	f.StringToString("filter-param", nil, "Filter parameter as key=value (repeatable)")
	f.StringSlice("channel", nil, "Only replicate documents in this channel (repeatable)")
	f.StringSlice("doc-id", nil, "Only replicate this document (repeatable)")
	f.Bool("create-target", false, "Create the remote database before pushing")
	f.Bool("no-attachments", false, "Pull documents without attachment bodies")
	f.Int("max-connections", 0, "Maximum concurrent requests to the remote")
	f.String("user", "", "Basic auth username")
	f.String("password", "", "Basic auth password")
	f.String("token", "", "Bearer token")
	f.Bool("dashboard", false, "Serve live status on the dashboard port")
	f.Int("dashboard-port", 0, "Dashboard port")
}

// replicate runs one replication per direction against remoteURL until they
// all stop or the process is interrupted.
func (a *app) replicate(cmd *cobra.Command, remoteURL string, dirs ...replication.Direction) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	reps, err := a.newReplicators(cmd, st, remoteURL, m, dirs...)
	if err != nil {
		return err
	}

	if a.cfg.Dashboard.Enabled {
		stop, err := a.startDashboard(cmd.OutOrStdout(), reg, reps)
		if err != nil {
			return err
		}
		defer stop()
	}

	return runReplicators(ctx, cmd.OutOrStdout(), reps)
}

func (a *app) newReplicators(cmd *cobra.Command, st *store.Store, remoteURL string, m *metrics.Metrics, dirs ...replication.Direction) ([]*replication.Replicator, error) {
	opts, err := a.cfg.ReplicationOptions()
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("filter-param"); f != nil && f.Changed {
		params, _ := cmd.Flags().GetStringToString("filter-param")
		opts.FilterParams = params
	}
	opts.Metrics = m

	var reps []*replication.Replicator
	for _, dir := range dirs {
		o := opts
		o.Logger = a.logger(dir.String())

		var r *replication.Replicator
		if dir == replication.Push {
			r, err = replication.NewPusher(st, remoteURL, o)
		} else {
			r, err = replication.NewPuller(st, remoteURL, o)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set up %s: %w", dir, err)
		}
		reps = append(reps, r)
	}
	return reps, nil
}

func (a *app) startDashboard(out io.Writer, reg *prometheus.Registry, reps []*replication.Replicator) (func(), error) {
	server := dashboard.NewServer(&dashboard.Config{
		Host:     a.cfg.Dashboard.Host,
		Port:     a.cfg.Dashboard.Port,
		Gatherer: reg,
		Logger:   a.logger("dashboard"),
	})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dashboard: %w", err)
	}

	h := dashboard.NewHandler(server, a.logger("dashboard"))
	for _, r := range reps {
		h.Attach(r)
	}
	fmt.Fprintf(out, "%s Dashboard on http://%s (ws://%s/ws)\n", ui.RenderAccent("●"), server.GetAddr(), server.GetAddr())

	return func() {
		h.Close()
		if err := server.Stop(); err != nil {
			a.logger("dashboard").Printf("Error during shutdown: %v", err)
		}
	}, nil
}

// runReplicators runs reps concurrently. The first failure cancels the
// others.
func runReplicators(ctx context.Context, out io.Writer, reps []*replication.Replicator) error {
	var outMu sync.Mutex
	for _, r := range reps {
		var last replication.Status = -1
		r.OnEvent(func(ev replication.Event) {
			outMu.Lock()
			defer outMu.Unlock()
			if ev.Status == last {
				return
			}
			last = ev.Status
			fmt.Fprintf(out, "%-5s %s %s\n", ev.Direction, ui.RenderStatus(ev.Status.String()), ui.RenderProgress(ev.Completed, ev.Total))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reps {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				return fmt.Errorf("%s failed: %w", r.Direction(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, r := range reps {
		printSummary(out, r)
	}
	return err
}

func printSummary(out io.Writer, r *replication.Replicator) {
	completed, total := r.Progress()
	fields := []ui.Field{
		{Label: "Remote", Value: r.RemoteURL()},
		{Label: "Session", Value: r.SessionID()},
		{Label: "Progress", Value: ui.RenderProgress(completed, total)},
		{Label: "Checkpoint", Value: r.Checkpoint()},
	}
	if n := r.Pending(); n > 0 {
		fields = append(fields, ui.Field{Label: "Pending", Value: ui.RenderWarn(fmt.Sprint(n))})
	}
	if err := r.LastError(); err != nil {
		fields = append(fields, ui.Field{Label: "Last error", Value: ui.RenderFail(err.Error())})
	}
	title := fmt.Sprintf("%s %s", ui.RenderPass("✓"), r.Direction())
	if r.Err() != nil {
		title = fmt.Sprintf("%s %s", ui.RenderFail("✗"), r.Direction())
	}
	fmt.Fprint(out, ui.RenderFields(title, fields))
}
