package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/docsync/internal/store"
	"github.com/steveyegge/docsync/internal/ui"
)

type statusReport struct {
	Store        string             `yaml:"store"`
	Size         int64              `yaml:"size_bytes"`
	UUID         string             `yaml:"uuid"`
	Documents    int                `yaml:"documents"`
	LastSequence int64              `yaml:"last_sequence"`
	Checkpoints  []checkpointReport `yaml:"checkpoints"`
}

type checkpointReport struct {
	ID           string    `yaml:"id"`
	LastSequence string    `yaml:"last_sequence"`
	UpdatedAt    time.Time `yaml:"updated_at"`
}

func newStatusCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "maint",
		Short:   "Show local store status and replication checkpoints",
		Long: `Display the local store location and size, the number of live documents,
the last local sequence and every replication checkpoint saved so far.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asYAML, _ := cmd.Flags().GetBool("yaml")
			return a.status(cmd.Context(), cmd.OutOrStdout(), asYAML)
		},
	}
	cmd.Flags().Bool("yaml", false, "Output as YAML")
	return cmd
}

func (a *app) status(ctx context.Context, out io.Writer, asYAML bool) error {
	info, err := os.Stat(a.cfg.DB)
	if os.IsNotExist(err) {
		fmt.Fprintf(out, "\n%s Store %s not initialized\n", ui.RenderWarn("⚠"), a.cfg.DB)
		fmt.Fprintf(out, "   Run 'docsync pull <url>' or 'docsync watch <dir>' to create it\n\n")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check store: %w", err)
	}

	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := buildStatus(ctx, st, info.Size())
	if err != nil {
		return err
	}

	if asYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		return enc.Close()
	}

	fmt.Fprint(out, ui.RenderFields("Store", []ui.Field{
		{Label: "Location", Value: report.Store},
		{Label: "Size", Value: formatSize(report.Size)},
		{Label: "UUID", Value: report.UUID},
		{Label: "Documents", Value: fmt.Sprint(report.Documents)},
		{Label: "Sequence", Value: fmt.Sprint(report.LastSequence)},
	}))

	if len(report.Checkpoints) == 0 {
		fmt.Fprintf(out, "\n%s\n", ui.RenderMuted("No replication checkpoints"))
		return nil
	}
	fields := make([]ui.Field, 0, len(report.Checkpoints))
	for _, cp := range report.Checkpoints {
		fields = append(fields, ui.Field{
			Label: cp.ID[:min(12, len(cp.ID))],
			Value: fmt.Sprintf("%s %s", cp.LastSequence, ui.RenderMuted(cp.UpdatedAt.Local().Format("2006-01-02 15:04:05"))),
		})
	}
	fmt.Fprint(out, "\n"+ui.RenderFields("Checkpoints", fields))
	return nil
}

func buildStatus(ctx context.Context, st *store.Store, size int64) (*statusReport, error) {
	id, err := st.PrivateUUID(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := st.DocumentCount(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := st.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	cps, err := st.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Store:        st.Path(),
		Size:         size,
		UUID:         id,
		Documents:    docs,
		LastSequence: seq,
		Checkpoints:  make([]checkpointReport, 0, len(cps)),
	}
	for _, cp := range cps {
		report.Checkpoints = append(report.Checkpoints, checkpointReport{
			ID:           cp.ID,
			LastSequence: cp.Value,
			UpdatedAt:    cp.UpdatedAt,
		})
	}
	return report, nil
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
