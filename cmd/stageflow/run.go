package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"stageflow/pkg/capability"
	"stageflow/pkg/capability/middleware/logging"
	metricsmw "stageflow/pkg/capability/middleware/metrics"
	"stageflow/pkg/capability/middleware/resilience"
	"stageflow/pkg/config"
	"stageflow/pkg/engine"
	"stageflow/pkg/eventlog"
	"stageflow/pkg/logx"
	"stageflow/pkg/metrics"
	"stageflow/pkg/notify"
	"stageflow/pkg/persistence"
	"stageflow/pkg/providers/heuristic"
	"stageflow/pkg/providers/llmprov"
	"stageflow/pkg/providers/mcpexec"
	"stageflow/pkg/version"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	configPath string
	request    string
	sessionID  string
	dryRun     bool
	parallel   bool
	metricsOut string
	jsonOut    bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one request through the workflow",
		Long: `Run one request through the workflow and print the response.

The request comes from --request, or from stdin when stdin is not a terminal.
--dry-run uses the offline heuristic providers and no tool servers.`,
		Example: `  stageflow run --request "search the web for go news then summarize it"
  echo "hello" | stageflow run --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.configPath, _ = cmd.Flags().GetString("config")
			return runRequest(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.request, "request", "r", "", "Request text")
	f.StringVar(&opts.sessionID, "session", "", "Session ID (generated when empty)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Use offline heuristic providers")
	f.BoolVar(&opts.parallel, "parallel", false, "Execute independent items concurrently")
	f.StringVar(&opts.metricsOut, "metrics-out", "", "Write Prometheus text metrics to this file after the run")
	f.BoolVar(&opts.jsonOut, "json", false, "Print the full outcome as JSON")
	return cmd
}

// readRequest returns the flag value or, when stdin is piped, its contents.
func readRequest(in io.Reader, flag string) (string, error) {
	if strings.TrimSpace(flag) != "" {
		return flag, nil
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", errors.New("no request: pass --request or pipe text on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read request from stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no request: pass --request or pipe text on stdin")
	}
	return text, nil
}

func loadConfig(path string, opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.dryRun {
		cfg.LLM.Provider = config.ProviderHeuristic
		cfg.MCP.Servers = nil
	}
	if opts.parallel {
		cfg.Engine.Parallel.Enabled = true
	}
	return cfg, nil
}

func configureLogging(cfg *config.LoggingConfig) {
	logx.Configure(logx.Config{
		Level:   logx.Level(strings.ToUpper(cfg.Level)),
		Format:  logx.Format(cfg.Format),
		Domains: cfg.DebugDomains,
	})
}

func runRequest(ctx context.Context, in io.Reader, out io.Writer, opts *runOptions) error {
	request, err := readRequest(in, opts.request)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath, opts)
	if err != nil {
		return err
	}
	configureLogging(&cfg.Logging)
	logger := logx.NewLogger("cli")

	app, err := build(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer app.close(logger)

	outcome, runErr := app.engine.Run(ctx, engine.Request{Text: request, SessionID: opts.sessionID})

	if opts.metricsOut != "" && app.registry != nil {
		if err := writeMetrics(opts.metricsOut, app.registry); err != nil {
			logger.Error("%v", err)
		}
	}
	if outcome != nil {
		if err := printOutcome(out, outcome, opts.jsonOut); err != nil {
			return err
		}
	}
	return runErr
}

// app holds everything a run needs and how to tear it down.
type app struct {
	engine   *engine.Engine
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func (a *app) close(logger *logx.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Reverse order: the dispatcher drains before its sinks close.
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("shutdown: %v", err)
		}
	}
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func build(ctx context.Context, cfg *config.Config, opts *runOptions, logger *logx.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close(logger)
		}
	}()

	recorder := metrics.Nop()
	if cfg.Metrics.Enabled || opts.metricsOut != "" {
		a.registry = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(a.registry)
		if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
			a.serve(cfg.Metrics.ListenAddr, mux, logger)
		}
	}

	sink, err := a.sinks(cfg, logger)
	if err != nil {
		return nil, err
	}
	var engineOpts []engine.Option
	if sink != nil {
		dispatcher := notify.NewDispatcher(sink, cfg.Notify.Buffer, logger)
		a.onClose(dispatcher.Close)
		engineOpts = append(engineOpts, engine.WithEvents(dispatcher))
	}

	if cfg.Persistence.Path != "" {
		store, err := persistence.Open(cfg.Persistence.Path)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return store.Close() })
		engineOpts = append(engineOpts, engine.WithStore(store))
	}

	set, err := a.providers(ctx, cfg, recorder, logger)
	if err != nil {
		return nil, err
	}
	set = resilience.New(cfg.Resilience.ResilienceSettings()).Decorate(set)
	set = set.Wrap(logging.Middleware(logger), metricsmw.Middleware(recorder))

	engineOpts = append(engineOpts, engine.WithMetrics(recorder))
	e, err := engine.New(set, engine.SettingsFrom(cfg), engineOpts...)
	if err != nil {
		return nil, err
	}
	a.engine = e
	ok = true
	return a, nil
}

// sinks assembles the configured event sinks. It returns nil when none are set.
func (a *app) sinks(cfg *config.Config, logger *logx.Logger) (notify.Sink, error) {
	var sinks []notify.Sink
	n := &cfg.Notify

	if n.EventLogDir != "" {
		w, err := eventlog.NewWriter(n.EventLogDir)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return w.Close() })
		sinks = append(sinks, w)
	}
	if n.NATSURL != "" {
		nc, err := notify.ConnectNATS(n.NATSURL, "stageflow")
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return nc.Drain() })
		sinks = append(sinks, notify.NewNATSSink(nc, n.SubjectPrefix))
	}
	if n.WebsocketAddr != "" {
		hub := notify.NewHub(logx.NewLogger("ws"))
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		a.serve(n.WebsocketAddr, mux, logger)
		sinks = append(sinks, hub)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return notify.Multi(sinks...), nil
}

func (a *app) providers(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, logger *logx.Logger) (capability.Set, error) {
	if cfg.LLM.Provider == config.ProviderHeuristic {
		logger.Info("using offline heuristic providers")
		return heuristic.New(heuristic.Options{Servers: cfg.Selection.DefaultServers}), nil
	}

	catalog := mcpexec.NewCatalog(version.Version)
	a.onClose(func(context.Context) error { return catalog.Close() })
	if err := catalog.ConnectConfig(ctx, &cfg.MCP); err != nil {
		// Reachable servers still serve; the selector only sees what connected.
		logger.Warn("some tool servers are unavailable: %v", err)
	}

	set, err := llmprov.FromConfig(&cfg.LLM, recorder, catalog)
	if err != nil {
		return capability.Set{}, err
	}
	set.Executor = mcpexec.NewExecutor(catalog, cfg.MCP.CallTimeout.Std()).Provider()
	return set, nil
}

func (a *app) serve(addr string, handler http.Handler, logger *logx.Logger) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server on %s: %v", addr, err)
		}
	}()
	a.onClose(srv.Shutdown)
}

func writeMetrics(path string, g prometheus.Gatherer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	defer f.Close()
	if err := metrics.Dump(f, g); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

func printOutcome(w io.Writer, out *engine.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode outcome: %w", err)
		}
		return nil
	}

	if out.Response != "" {
		fmt.Fprintln(w, out.Response)
	}
	if out.Summary != nil {
		c := out.Summary.Counts
		fmt.Fprintf(w, "\n%s: %d completed, %d failed, %d skipped, %d replanned (%.0f%%)\n",
			out.Summary.Tier, c.Completed, c.Failed, c.Skipped, c.Replanned, out.Summary.Ratio*100)
	}
	fmt.Fprintf(w, "run %s %s in %s\n", out.RunID, out.Status, out.Duration.Round(time.Millisecond))
	if out.Error != nil && out.Status != engine.StatusAborted {
		fmt.Fprintf(w, "error: %v\n", out.Error)
	}
	return nil
}
