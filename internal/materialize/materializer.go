// Package materialize orchestrates the derivation pipeline: raw facts are
// classified, resolved into the clean cohort, and rolled up, producing the
// three output tables plus a run report. It owns no business logic beyond
// sequencing and persistence.
package materialize

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"experiment-outcomes/internal/aggregate"
	"experiment-outcomes/internal/classify"
	"experiment-outcomes/internal/cohort"
	"experiment-outcomes/internal/funnel"
	apperrors "experiment-outcomes/pkg/errors"
)

// Config drives one derivation run.
type Config struct {
	// Experiments maps experiment name to its classification rules. A fact
	// naming an experiment absent from this map is a structural error and
	// aborts the run before anything is written.
	Experiments map[string]classify.ExperimentConfig

	// Dimensions for the aggregated table. Empty means the default key.
	Dimensions []aggregate.Dimension

	// Workers bounds the parallel classification stage. Zero or negative
	// means one worker per CPU.
	Workers int

	// LogSignals opts in to logging per-row classification ambiguities.
	LogSignals bool

	Logger *slog.Logger
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Tables holds the three derived relations of one run.
type Tables struct {
	Outcomes   []funnel.Outcome
	Clean      []funnel.CleanRow
	Aggregated []funnel.AggregateRow
}

// RunReport summarizes a derivation run, including the per-row anomalies
// that were excluded without aborting it.
type RunReport struct {
	RunID     uuid.UUID        `json:"run_id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	FactsIn   int              `json:"facts_in"`
	CleanRows int              `json:"clean_rows"`
	Rollups   int              `json:"rollups"`
	Excluded  ExclusionCounts  `json:"excluded"`
	Anomalies []cohort.Anomaly `json:"anomalies,omitempty"`
}

// ExclusionCounts breaks down canonical rows dropped from the clean cohort.
type ExclusionCounts struct {
	Ineligible    int `json:"ineligible"`
	Contaminated  int `json:"contaminated"`
	BadPartitions int `json:"bad_partitions"`
}

// TableWriter persists the three output relations. Writes happen only after
// the whole derivation succeeded, in fact order, so a failed run never leaves
// a partial table set behind a completed run record.
type TableWriter interface {
	WriteOutcomes(ctx context.Context, runID uuid.UUID, rows []funnel.Outcome) error
	WriteCleanCohort(ctx context.Context, runID uuid.UUID, rows []funnel.CleanRow) error
	WriteAggregates(ctx context.Context, runID uuid.UUID, rows []funnel.AggregateRow) error
	RecordRun(ctx context.Context, report *RunReport) error
}

// Run derives the three tables from facts without persisting anything.
// Classification is embarrassingly parallel; the resolver and aggregator run
// after it with complete visibility of their input.
func Run(ctx context.Context, facts []funnel.FunnelFact, cfg Config) (*Tables, *RunReport, error) {
	started := time.Now()
	report := &RunReport{
		RunID:     uuid.New(),
		StartedAt: started,
		FactsIn:   len(facts),
	}

	if err := checkConfigured(facts, cfg.Experiments); err != nil {
		return nil, nil, err
	}

	outcomes, err := classifyAll(ctx, facts, cfg)
	if err != nil {
		return nil, nil, err
	}

	// Stable order keeps reruns on unchanged input byte-identical.
	sort.SliceStable(outcomes, func(i, j int) bool {
		a, b := outcomes[i], outcomes[j]
		if a.ExperimentName != b.ExperimentName {
			return a.ExperimentName < b.ExperimentName
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.DuplicationRank < b.DuplicationRank
	})

	resolved := cohort.Resolve(outcomes)
	rollups := aggregate.Rollup(resolved.Clean, cfg.Dimensions)

	report.CleanRows = len(resolved.Clean)
	report.Rollups = len(rollups)
	report.Excluded = ExclusionCounts{
		Ineligible:    resolved.Ineligible,
		Contaminated:  resolved.Contaminated,
		BadPartitions: countBadPartitions(resolved.Anomalies),
	}
	report.Anomalies = resolved.Anomalies
	report.Duration = time.Since(started)

	return &Tables{
		Outcomes:   outcomes,
		Clean:      resolved.Clean,
		Aggregated: rollups,
	}, report, nil
}

// Materialize runs the pipeline and persists the result through w. Structural
// errors abort before the first write.
func Materialize(ctx context.Context, facts []funnel.FunnelFact, cfg Config, w TableWriter) (*Tables, *RunReport, error) {
	tables, report, err := Run(ctx, facts, cfg)
	if err != nil {
		return nil, nil, err
	}

	if err := w.WriteOutcomes(ctx, report.RunID, tables.Outcomes); err != nil {
		return nil, nil, err
	}
	if err := w.WriteCleanCohort(ctx, report.RunID, tables.Clean); err != nil {
		return nil, nil, err
	}
	if err := w.WriteAggregates(ctx, report.RunID, tables.Aggregated); err != nil {
		return nil, nil, err
	}
	if err := w.RecordRun(ctx, report); err != nil {
		return nil, nil, err
	}

	cfg.logger().Info("derivation run materialized",
		"run_id", report.RunID,
		"facts_in", report.FactsIn,
		"clean_rows", report.CleanRows,
		"rollups", report.Rollups,
		"anomalies", len(report.Anomalies),
		"duration", report.Duration,
	)

	return tables, report, nil
}

func checkConfigured(facts []funnel.FunnelFact, experiments map[string]classify.ExperimentConfig) error {
	missing := make(map[string]struct{})
	for _, f := range facts {
		if _, ok := experiments[f.ExperimentName]; !ok {
			missing[f.ExperimentName] = struct{}{}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return apperrors.NewMissingConfig(names[0])
}

func classifyAll(ctx context.Context, facts []funnel.FunnelFact, cfg Config) ([]funnel.Outcome, error) {
	outcomes := make([]funnel.Outcome, len(facts))
	workers := cfg.workers()
	chunk := (len(facts) + workers - 1) / workers
	if chunk < 1 {
		chunk = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(facts); start += chunk {
		end := start + chunk
		if end > len(facts) {
			end = len(facts)
		}
		start, end := start, end
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				fact := facts[i]
				outcomes[i] = classify.Classify(fact, cfg.Experiments[fact.ExperimentName])
				if cfg.LogSignals {
					for _, sig := range classify.Signals(fact) {
						cfg.logger().Debug("classification signal",
							"code", apperrors.ErrCodeClassifyAmbiguous,
							"user_id", fact.UserID,
							"experiment", fact.ExperimentName,
							"signal", sig,
						)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func countBadPartitions(anomalies []cohort.Anomaly) int {
	n := 0
	for _, a := range anomalies {
		if a.Code == apperrors.ErrCodeDupRankViolation {
			n++
		}
	}
	return n
}
