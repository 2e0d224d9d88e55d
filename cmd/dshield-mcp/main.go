// Command dshield-mcp runs the security-analytics MCP server: the JSON-RPC
// tool dispatcher wired to the SIEM query layer, campaign correlation
// engine, threat-intel aggregator, anomaly detector, and report builder.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dshield/mcp-analytics/internal/collab"
	"github.com/dshield/mcp-analytics/internal/config"
	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/report"
	"github.com/dshield/mcp-analytics/internal/resilience"
	"github.com/dshield/mcp-analytics/internal/server"
	"github.com/dshield/mcp-analytics/internal/threatintel"
	"github.com/dshield/mcp-analytics/internal/tools"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "dshield-mcp",
	Short:   "DShield analytics MCP server",
	Long:    "dshield-mcp serves SIEM query, campaign correlation, threat-intel enrichment, and reporting tools over MCP's JSON-RPC tool protocol.",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dshield-mcp %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// Exit codes per §6: 0 clean shutdown, 1 config error, 2 unrecoverable
// backend error at startup, 3 signal-initiated termination.
const (
	exitClean           = 0
	exitConfigError     = 1
	exitBackendStartup  = 2
	exitSignalTerminated = 3
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		log.Error().Err(err).Msg("dshield-mcp: fatal error")
		os.Exit(exitConfigError)
	}
}

// exitCodeError carries the process exit code §6 requires alongside the
// error cobra prints, since cobra's own RunE contract is just error/no-error.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func runServer() error {
	secrets := envSecretsProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, esURL, esAPIKey, err := loadConfig(ctx, secrets)
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: err}
	}

	esClient := newHTTPElasticClient(esURL, esAPIKey, cfg.Query.CompatibilityMode, cfg.Resilience.TimeoutExternalService)

	sources, sourceCount, err := loadThreatIntelSources(ctx, secrets)
	if err != nil {
		return &exitCodeError{code: exitConfigError, err: err}
	}

	renderer := report.NewTextRenderer(
		report.FileTemplateSource{Dir: filepath.Join(cfg.OutputDir, "templates")},
		filepath.Join(cfg.OutputDir, "reports"),
	)

	indices := indicesFromEnv()

	svc, err := server.New(cfg, esClient, indices, sources, renderer)
	if err != nil {
		log.Error().Err(err).Msg("dshield-mcp: failed to initialize services")
		return &exitCodeError{code: exitBackendStartup, err: err}
	}

	registry := tools.NewRegistry(svc.Features)
	registry.SetTimeouts(svc.Timeouts)
	server.RegisterAll(registry, svc)

	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	go runHealthPoller(healthCtx, svc, 10*time.Second, sourceCount)

	if addr := os.Getenv("DSHIELD_METRICS_ADDR"); addr != "" {
		go serveMetrics(addr, svc.PromRegistry)
	}

	transport := newStdioTransport(os.Stdin, os.Stdout)
	dispatcher := tools.NewDispatcher(registry, transport)
	dispatcher.OnError = func(tool string, err error) {
		kind := errs.KindOf(err)
		svc.Errors.Record(resilience.ErrorRecord{Code: kind.JSONRPCCode(), Kind: kind, Service: tool})
		svc.Metrics.ErrorsByKind.WithLabelValues(string(kind)).Inc()
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- dispatcher.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("dshield-mcp: service teardown failed")
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("dshield-mcp: shutting down on signal")
		cancel()
		_ = transport.Close()
		<-serveErrCh
		return &exitCodeError{code: exitSignalTerminated, err: fmt.Errorf("terminated by %s", sig)}

	case err := <-serveErrCh:
		cancel()
		if err != nil && !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Msg("dshield-mcp: transport closed with error")
		}
		log.Info().Msg("dshield-mcp: clean shutdown")
		return nil
	}
}

// loadConfig builds the frozen config.Config plus the two ES connection
// parameters the entrypoint (not the core) is responsible for resolving.
// Every secret reference goes through the collab.SecretsProvider, never a
// direct os.Getenv in the core.
func loadConfig(ctx context.Context, secrets collab.SecretsProvider) (config.Config, string, string, error) {
	cfg := config.DefaultConfig()

	esURL := os.Getenv("DSHIELD_ES_URL")
	if esURL == "" {
		return config.Config{}, "", "", fmt.Errorf("DSHIELD_ES_URL must be set")
	}

	var esAPIKey string
	if _, ok := os.LookupEnv("DSHIELD_ES_API_KEY"); ok {
		key, err := secrets.Resolve(ctx, "env:DSHIELD_ES_API_KEY")
		if err != nil {
			return config.Config{}, "", "", err
		}
		esAPIKey = key
	}

	if dir := os.Getenv("DSHIELD_OUTPUT_DIR"); dir != "" {
		cfg.OutputDir = dir
	}
	if mode := os.Getenv("DSHIELD_ES_COMPAT"); mode != "" {
		cfg.Query.CompatibilityMode = mode
	}
	if path := os.Getenv("DSHIELD_THREATINTEL_DB"); path != "" {
		cfg.ThreatIntel.PersistentCachePath = path
	} else {
		cfg.ThreatIntel.PersistentCachePath = filepath.Join(cfg.OutputDir, "db", "threatintel.sqlite")
	}

	return cfg, esURL, esAPIKey, nil
}

// serveMetrics exposes the process's prometheus registry over HTTP when
// DSHIELD_METRICS_ADDR is set. The MCP transport itself stays on stdio;
// this is a sidecar listener for scraping only.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("dshield-mcp: metrics listener failed")
	}
}

func indicesFromEnv() []string {
	raw := os.Getenv("DSHIELD_ES_INDICES")
	if raw == "" {
		return []string{"dshield-*"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadThreatIntelSources parses DSHIELD_THREATINTEL_SOURCES, a comma-
// separated list of name=baseURL pairs (e.g.
// "virustotal=https://vt.example/api,abuseipdb=https://aipdb.example/api").
// Each source's API key, if any, is resolved from env:<NAME>_API_KEY
// (uppercased) through the SecretsProvider. An empty/unset variable yields
// zero sources — enrich_ip_with_dshield then reports KindAllSourcesUnavailable
// rather than failing the whole server at startup.
func loadThreatIntelSources(ctx context.Context, secrets collab.SecretsProvider) ([]threatintel.Source, int, error) {
	raw := os.Getenv("DSHIELD_THREATINTEL_SOURCES")
	if raw == "" {
		return nil, 0, nil
	}

	var out []threatintel.Source
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, 0, fmt.Errorf("DSHIELD_THREATINTEL_SOURCES: malformed entry %q", pair)
		}
		name, url := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

		var apiKey string
		keyEnv := "env:" + strings.ToUpper(name) + "_API_KEY"
		if _, ok := os.LookupEnv(strings.ToUpper(name) + "_API_KEY"); ok {
			key, err := secrets.Resolve(ctx, keyEnv)
			if err != nil {
				return nil, 0, err
			}
			apiKey = key
		}

		trust := 0.6
		if v := os.Getenv(strings.ToUpper(name) + "_TRUST"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				trust = f
			}
		}

		out = append(out, newHTTPThreatIntelSource(name, url, apiKey, trust, 10*time.Second))
	}
	return out, len(out), nil
}
