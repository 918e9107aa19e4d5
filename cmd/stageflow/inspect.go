package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stageflow/pkg/config"
	"stageflow/pkg/engine"
	"stageflow/pkg/eventlog"
	"stageflow/pkg/metrics"
	"stageflow/pkg/persistence"
	"stageflow/pkg/proto"
)

func newStatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states",
		Short: "Print the state transition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStates(cmd.OutOrStdout())
		},
	}
}

func printStates(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tNEXT")
	for _, s := range proto.AllStates() {
		next := engine.AllowedFrom(s)
		names := make([]string, len(next))
		for i, n := range next {
			names[i] = string(n)
		}
		if len(names) == 0 {
			names = []string{"-"}
		}
		fmt.Fprintf(tw, "%s\t%s\n", s, strings.Join(names, ", "))
	}
	return tw.Flush()
}

func openStore(cmd *cobra.Command) (*persistence.Store, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Persistence.Path = db
	}
	if cfg.Persistence.Path == "" {
		return nil, errors.New("no database: set persistence.path or pass --db")
	}
	return persistence.Open(cfg.Persistence.Path)
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, or the transitions of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runID, _ := cmd.Flags().GetString("run-id")
			if runID == "" {
				limit, _ := cmd.Flags().GetInt("limit")
				return printRuns(cmd.Context(), cmd.OutOrStdout(), store, limit)
			}
			return printRun(cmd.Context(), cmd.OutOrStdout(), store, runID)
		},
	}
	cmd.Flags().String("run-id", "", "Run to show transitions for")
	cmd.Flags().String("db", "", "SQLite database path (overrides persistence.path)")
	cmd.Flags().IntP("limit", "n", 20, "Number of recent runs to list")
	return cmd
}

func printRuns(ctx context.Context, w io.Writer, store *persistence.Store, limit int) error {
	if limit < 1 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tMODE\tSTATUS\tTIER\tREQUEST")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.StartedAt.Local().Format(time.DateTime), orDash(r.Mode), r.Status, orDash(r.Tier), truncate(r.Request, 50))
	}
	return tw.Flush()
}

func printRun(ctx context.Context, w io.Writer, store *persistence.Store, runID string) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	transitions, err := store.ListTransitions(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s (%s)\nRequest: %s\n", run.RunID, run.Status, run.Request)
	if run.Summary != nil {
		fmt.Fprintf(w, "Summary: %s\n", run.Summary.Message)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tFROM\tTO\tITEM")
	for _, t := range transitions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			t.Seq, t.Timestamp.Local().Format("15:04:05.000"), t.From, t.To, orDash(t.ItemID))
	}
	return tw.Flush()
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the journaled events of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, _ := cmd.Flags().GetString("file")
			runID, _ := cmd.Flags().GetString("run-id")
			if file == "" {
				dir, _ := cmd.Flags().GetString("dir")
				files, err := eventlog.ListLogFiles(dir)
				if err != nil {
					return err
				}
				if len(files) == 0 {
					return fmt.Errorf("no event logs in %s", dir)
				}
				file = files[len(files)-1]
			}
			events, err := eventlog.ReadEvents(file, runID)
			if err != nil {
				return err
			}
			for i := range events {
				fmt.Fprintln(cmd.OutOrStdout(), events[i].String())
			}
			return nil
		},
	}
	cmd.Flags().String("file", "", "Event log file (defaults to the newest in --dir)")
	cmd.Flags().String("dir", "logs", "Event log directory")
	cmd.Flags().String("run-id", "", "Only show events of this run")
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Query aggregate outcomes from a Prometheus server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("prometheus-url")
			if url == "" {
				path, _ := cmd.Flags().GetString("config")
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				url = cfg.Metrics.PrometheusURL
			}
			if url == "" {
				return errors.New("no Prometheus server: set metrics.prometheus_url or pass --prometheus-url")
			}
			window, _ := cmd.Flags().GetString("window")

			qs, err := metrics.NewQueryService(url)
			if err != nil {
				return err
			}
			out, err := qs.GetOutcomes(cmd.Context(), window)
			if err != nil {
				return err
			}
			printOutcomes(cmd.OutOrStdout(), out, window)
			return nil
		},
	}
	cmd.Flags().String("prometheus-url", "", "Prometheus server URL (overrides metrics.prometheus_url)")
	cmd.Flags().String("window", "24h", "Range window for increase()")
	return cmd
}

func printOutcomes(w io.Writer, out *metrics.Outcomes, window string) {
	fmt.Fprintf(w, "Last %s\n", window)
	section := func(title string, m map[string]float64) {
		fmt.Fprintf(w, "%s:\n", title)
		if len(m) == 0 {
			fmt.Fprintln(w, "  none")
			return
		}
		for _, k := range sortedKeys(m) {
			fmt.Fprintf(w, "  %-12s %.0f\n", k, m[k])
		}
	}
	section("Runs", out.Runs)
	section("Items", out.Items)
	section("Provider failures", out.Providers)
	fmt.Fprintf(w, "LLM tokens: %.0f\n", out.Tokens)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
