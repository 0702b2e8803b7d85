// expctl - Experiment Outcome Derivation CLI
//
// Usage:
//   expctl derive --experiment homepage_cta_test --start 2024-01-01 --end 2024-03-31
//   expctl derive --experiments experiments.json
//   expctl report --experiment homepage_cta_test [--run <uuid>]
//   expctl serve --port 8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"experiment-outcomes/api"
	"experiment-outcomes/db/clickhouse"
	"experiment-outcomes/db/staging"
	"experiment-outcomes/internal/aggregate"
	"experiment-outcomes/internal/classify"
	"experiment-outcomes/internal/funnel"
	"experiment-outcomes/internal/materialize"
	"experiment-outcomes/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const dateLayout = "2006-01-02"

func main() {
	app := &cli.App{
		Name:    "expctl",
		Usage:   "Experiment outcome derivation and aggregation engine",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"EXPCTL_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Value:   platform.GetEnv("CLICKHOUSE_HOST", "localhost"),
				Usage:   "ClickHouse host",
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   platform.GetEnvInt("CLICKHOUSE_PORT", 9000),
				Usage:   "ClickHouse native port",
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   platform.GetEnv("CLICKHOUSE_DATABASE", "experiments"),
				Usage:   "ClickHouse database",
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   platform.GetEnv("CLICKHOUSE_USER", "default"),
				Usage:   "ClickHouse user",
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Value:   platform.GetEnv("CLICKHOUSE_PASSWORD", ""),
				Usage:   "ClickHouse password",
			},
			&cli.StringFlag{
				Name:    "staging-dsn",
				Value:   platform.GetEnv("STAGING_DSN", "postgres://localhost/experiments?sslmode=disable"),
				Usage:   "Postgres DSN for the funnel_facts staging relation",
			},
		},

		Commands: []*cli.Command{
			deriveCommand(),
			reportCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*clickhouse.Store, error) {
	return clickhouse.NewStore(&clickhouse.Config{
		Host:     c.String("clickhouse-host"),
		Port:     c.Int("clickhouse-port"),
		Database: c.String("clickhouse-database"),
		Username: c.String("clickhouse-user"),
		Password: c.String("clickhouse-password"),
	})
}

// =============================================================================
// DERIVE COMMAND
// =============================================================================

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:  "derive",
		Usage: "Derive outcomes, clean cohort, and aggregates from the staging relation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "experiments",
				Usage: "Path to a JSON file mapping experiment name to window config",
			},
			&cli.StringFlag{
				Name:    "experiment",
				Aliases: []string{"e"},
				Usage:   "Single experiment name (alternative to --experiments)",
			},
			&cli.StringFlag{
				Name:  "start",
				Usage: "Experiment window start (YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "end",
				Usage: "Experiment window end (YYYY-MM-DD)",
			},
			&cli.StringFlag{
				Name:  "product",
				Value: string(funnel.ProductWeb),
				Usage: "Product type (web, hybrid)",
			},
			&cli.IntFlag{
				Name:  "grace-days",
				Value: classify.DefaultGraceDays,
				Usage: "Activation grace window in days (hybrid products)",
			},
			&cli.StringFlag{
				Name:  "dimensions",
				Usage: "Comma-separated aggregation dimensions (default: experiment_name,variant,region,package_group,list_size_group)",
			},
			&cli.BoolFlag{
				Name:  "log-signals",
				Value: platform.GetEnvBool("EXPCTL_LOG_SIGNALS", false),
				Usage: "Log per-row classification data-quality signals",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Derive and report without writing the output tables",
			},
			&cli.StringFlag{
				Name:    "notify-url",
				Usage:   "POST the run report to this URL after a successful run",
				EnvVars: []string{"EXPCTL_NOTIFY_URL"},
			},
		},
		Action: runDerive,
	}
}

func runDerive(c *cli.Context) error {
	ctx := context.Background()
	logger := platform.InitLogger(c.String("log-level"))

	experiments, err := loadExperiments(c)
	if err != nil {
		return err
	}

	var dims []aggregate.Dimension
	if raw := c.String("dimensions"); raw != "" {
		dims, err = aggregate.ParseDimensions(strings.Split(raw, ","))
		if err != nil {
			return err
		}
	}

	reader, err := staging.Open(c.String("staging-dsn"))
	if err != nil {
		return err
	}
	defer reader.Close()

	facts, err := reader.Facts(ctx)
	if err != nil {
		return fmt.Errorf("staging read failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Loaded %d funnel facts\n", len(facts))

	cfg := materialize.Config{
		Experiments: experiments,
		Dimensions:  dims,
		LogSignals:  c.Bool("log-signals"),
		Logger:      logger,
	}

	var (
		tables *materialize.Tables
		report *materialize.RunReport
	)
	if c.Bool("dry-run") {
		tables, report, err = materialize.Run(ctx, facts, cfg)
	} else {
		store, serr := openStore(c)
		if serr != nil {
			return serr
		}
		defer store.Close()
		if serr := store.EnsureSchema(ctx); serr != nil {
			return serr
		}
		tables, report, err = materialize.Materialize(ctx, facts, cfg, store)
	}
	if err != nil {
		return fmt.Errorf("derivation failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Run %s: %d outcomes, %d clean rows, %d rollups\n",
		report.RunID, len(tables.Outcomes), report.CleanRows, report.Rollups)
	if len(report.Anomalies) > 0 {
		fmt.Fprintf(os.Stderr, "%d data-quality anomalies (%d bad partitions excluded)\n",
			len(report.Anomalies), report.Excluded.BadPartitions)
	}

	if url := c.String("notify-url"); url != "" && !c.Bool("dry-run") {
		if err := notifyRun(ctx, url, report, logger); err != nil {
			// The run itself succeeded; a failed notification is not fatal.
			logger.Warn("run notification failed", "url", url, "error", err)
		}
	}

	return outputReport(report)
}

// loadExperiments builds the per-experiment config map either from a JSON
// file or from the single-experiment flags.
func loadExperiments(c *cli.Context) (map[string]classify.ExperimentConfig, error) {
	if path := c.String("experiments"); path != "" {
		return loadExperimentsFile(path)
	}

	name := c.String("experiment")
	if name == "" {
		return nil, fmt.Errorf("either --experiments or --experiment is required")
	}
	start, err := time.Parse(dateLayout, c.String("start"))
	if err != nil {
		return nil, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(dateLayout, c.String("end"))
	if err != nil {
		return nil, fmt.Errorf("invalid --end: %w", err)
	}

	return map[string]classify.ExperimentConfig{
		name: {
			Name:      name,
			Start:     start,
			End:       end,
			Product:   funnel.ProductType(c.String("product")),
			GraceDays: c.Int("grace-days"),
		},
	}, nil
}

type experimentFileEntry struct {
	Start     string `json:"start"`
	End       string `json:"end"`
	Product   string `json:"product"`
	GraceDays int    `json:"grace_days"`
}

func loadExperimentsFile(path string) (map[string]classify.ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiments file: %w", err)
	}
	var entries map[string]experimentFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse experiments file: %w", err)
	}

	out := make(map[string]classify.ExperimentConfig, len(entries))
	for name, e := range entries {
		start, err := time.Parse(dateLayout, e.Start)
		if err != nil {
			return nil, fmt.Errorf("experiment %s: invalid start: %w", name, err)
		}
		end, err := time.Parse(dateLayout, e.End)
		if err != nil {
			return nil, fmt.Errorf("experiment %s: invalid end: %w", name, err)
		}
		product := funnel.ProductType(e.Product)
		if product == "" {
			product = funnel.ProductWeb
		}
		out[name] = classify.ExperimentConfig{
			Name:      name,
			Start:     start,
			End:       end,
			Product:   product,
			GraceDays: e.GraceDays,
		}
	}
	return out, nil
}

func notifyRun(ctx context.Context, url string, report *materialize.RunReport, logger *slog.Logger) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	client := platform.NewHTTPClient(3, 10*time.Second)
	client.Logger = logger
	return client.PostJSON(ctx, url, body)
}

func outputReport(report *materialize.RunReport) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// =============================================================================
// REPORT COMMAND
// =============================================================================

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print aggregated rollups for a derivation run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "experiment",
				Aliases: []string{"e"},
				Usage:   "Filter to one experiment",
			},
			&cli.StringFlag{
				Name:  "run",
				Usage: "Run ID (default: latest run)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json)",
			},
		},
		Action: runReport,
	}
}

func runReport(c *cli.Context) error {
	ctx := context.Background()
	platform.InitLogger(c.String("log-level"))

	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	var runID uuid.UUID
	if raw := c.String("run"); raw != "" {
		runID, err = uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid --run: %w", err)
		}
	} else {
		latest, err := store.LatestRun(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			return fmt.Errorf("no derivation runs recorded")
		}
		runID = latest.ID
	}

	rows, err := store.QueryAggregates(ctx, runID, c.String("experiment"))
	if err != nil {
		return err
	}

	if c.String("format") == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	return outputTable(runID, rows)
}

func outputTable(runID uuid.UUID, rows []funnel.AggregateRow) error {
	fmt.Printf("Run %s — %d rollup rows\n\n", runID, len(rows))
	fmt.Printf("%-24s %-12s %-8s %-10s %-10s %8s %8s %8s %8s %14s %14s\n",
		"EXPERIMENT", "VARIANT", "REGION", "PACKAGE", "LIST SIZE",
		"USERS", "ACTIV", "CONV", "BOOK", "NEW MRR", "REVENUE")
	for _, r := range rows {
		fmt.Printf("%-24s %-12s %-8s %-10s %-10s %8d %8d %8d %8d %14s %14s\n",
			truncate(r.ExperimentName, 24), truncate(r.Variant, 12), truncate(r.Region, 8),
			truncate(r.PackageGroup, 10), truncate(r.ListSizeGroup, 10),
			r.Users, r.Activations, r.Conversions, r.NewBookings,
			r.TotalNewMRR.StringFixed(2), r.TotalRevenue.StringFixed(2))
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the read API over the derived tables",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "API server port",
				EnvVars: []string{"EXPCTL_PORT"},
			},
			&cli.StringFlag{
				Name:    "cors-origins",
				Value:   "*",
				Usage:   "Comma-separated list of allowed CORS origins",
				EnvVars: []string{"EXPCTL_CORS_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Require this X-API-Key on the /v1 routes (empty disables)",
				EnvVars: []string{"EXPCTL_API_KEY"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := platform.InitLogger(c.String("log-level"))

	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()

	corsOrigins := strings.Split(c.String("cors-origins"), ",")
	for i := range corsOrigins {
		corsOrigins[i] = strings.TrimSpace(corsOrigins[i])
	}

	server := api.NewServer(store, &api.Config{
		Port:         c.Int("port"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		CORSOrigins:  corsOrigins,
		APIKey:       c.String("api-key"),
	}, logger)

	return server.StartWithGracefulShutdown()
}
