// Package clickhouse persists the derived experiment tables.
// Optimized for columnar analytics over per-user outcome rows and rollups.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"experiment-outcomes/internal/funnel"
	"experiment-outcomes/internal/materialize"
)

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "experiments",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// Store persists outcomes, the clean cohort, and aggregates.
// It implements materialize.TableWriter.
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore creates a new ClickHouse table store
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// RunSummary is the persisted record of one derivation run.
type RunSummary struct {
	ID            uuid.UUID `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	DurationMs    int64     `json:"duration_ms"`
	FactsIn       int64     `json:"facts_in"`
	CleanRows     int64     `json:"clean_rows"`
	Rollups       int64     `json:"rollups"`
	Ineligible    int64     `json:"ineligible"`
	Contaminated  int64     `json:"contaminated"`
	BadPartitions int64     `json:"bad_partitions"`
	AnomalyCount  int64     `json:"anomaly_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// =============================================================================
// SCHEMA
// =============================================================================

var schema = []string{
	`CREATE TABLE IF NOT EXISTS derivation_runs (
		id UUID,
		started_at DateTime64(3),
		duration_ms Int64,
		facts_in Int64,
		clean_rows Int64,
		rollups Int64,
		ineligible Int64,
		contaminated Int64,
		bad_partitions Int64,
		anomaly_count Int64,
		created_at DateTime
	) ENGINE = MergeTree ORDER BY started_at`,

	`CREATE TABLE IF NOT EXISTS outcomes (
		run_id UUID,
		user_id String,
		experiment_name String,
		variant String,
		region String,
		device_type String,
		package_group String,
		list_size_group String,
		first_exposure_date Nullable(Date),
		activation_date Nullable(Date),
		conversion_date Nullable(Date),
		booking_date Nullable(Date),
		onboarding_start Nullable(Date),
		onboarding_complete Nullable(Date),
		checkout_start Nullable(Date),
		checkout_complete Nullable(Date),
		nb_mrr Decimal(18, 4),
		total_revenue Decimal(18, 4),
		prior_conversion_date Nullable(Date),
		contamination_flag String,
		duplication_rank Int32,
		is_eligible_visitor UInt8,
		is_activated UInt8,
		is_converted UInt8,
		new_booking_flag UInt8,
		onboarding_completed UInt8,
		checkout_completed UInt8,
		created_at DateTime
	) ENGINE = MergeTree ORDER BY (run_id, experiment_name, user_id, duplication_rank)`,

	`CREATE TABLE IF NOT EXISTS outcomes_clean (
		run_id UUID,
		user_id String,
		experiment_name String,
		variant String,
		region String,
		device_type String,
		package_group String,
		list_size_group String,
		first_exposure_date Nullable(Date),
		activation_date Nullable(Date),
		conversion_date Nullable(Date),
		booking_date Nullable(Date),
		onboarding_start Nullable(Date),
		onboarding_complete Nullable(Date),
		checkout_start Nullable(Date),
		checkout_complete Nullable(Date),
		nb_mrr Decimal(18, 4),
		total_revenue Decimal(18, 4),
		prior_conversion_date Nullable(Date),
		contamination_flag String,
		duplication_rank Int32,
		is_eligible_visitor UInt8,
		is_activated UInt8,
		is_converted UInt8,
		new_booking_flag UInt8,
		onboarding_completed UInt8,
		checkout_completed UInt8,
		created_at DateTime
	) ENGINE = MergeTree ORDER BY (run_id, experiment_name, user_id)`,

	`CREATE TABLE IF NOT EXISTS aggregated (
		run_id UUID,
		experiment_name String,
		variant String,
		region String,
		device_type String,
		package_group String,
		list_size_group String,
		users Int64,
		activations Int64,
		conversions Int64,
		new_bookings Int64,
		total_new_mrr Decimal(18, 4),
		total_revenue Decimal(18, 4),
		avg_nb_mrr Float64,
		sd_nb_mrr Float64,
		n_nb_mrr Int64,
		created_at DateTime
	) ENGINE = MergeTree ORDER BY (run_id, experiment_name, variant)`,
}

// EnsureSchema creates the output tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// =============================================================================
// WRITE SIDE (materialize.TableWriter)
// =============================================================================

const outcomeColumns = `(
	run_id, user_id, experiment_name, variant,
	region, device_type, package_group, list_size_group,
	first_exposure_date, activation_date, conversion_date, booking_date,
	onboarding_start, onboarding_complete, checkout_start, checkout_complete,
	nb_mrr, total_revenue, prior_conversion_date,
	contamination_flag, duplication_rank,
	is_eligible_visitor, is_activated, is_converted, new_booking_flag,
	onboarding_completed, checkout_completed, created_at
)`

// WriteOutcomes bulk-inserts the per-row classification results.
func (s *Store) WriteOutcomes(ctx context.Context, runID uuid.UUID, rows []funnel.Outcome) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO outcomes "+outcomeColumns)
	if err != nil {
		return fmt.Errorf("failed to prepare outcomes batch: %w", err)
	}
	now := time.Now()
	for _, o := range rows {
		if err := appendOutcome(batch, runID, o, now); err != nil {
			return fmt.Errorf("failed to append outcome: %w", err)
		}
	}
	return batch.Send()
}

// WriteCleanCohort bulk-inserts the filtered cohort.
func (s *Store) WriteCleanCohort(ctx context.Context, runID uuid.UUID, rows []funnel.CleanRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO outcomes_clean "+outcomeColumns)
	if err != nil {
		return fmt.Errorf("failed to prepare clean cohort batch: %w", err)
	}
	now := time.Now()
	for _, r := range rows {
		if err := appendOutcome(batch, runID, r.Outcome, now); err != nil {
			return fmt.Errorf("failed to append clean row: %w", err)
		}
	}
	return batch.Send()
}

func appendOutcome(batch driver.Batch, runID uuid.UUID, o funnel.Outcome, now time.Time) error {
	return batch.Append(
		runID, o.UserID, o.ExperimentName, o.Variant,
		o.Region, o.DeviceType, o.PackageGroup, o.ListSizeGroup,
		o.FirstExposure, o.Activation, o.Conversion, o.Booking,
		o.OnboardingStart, o.OnboardingComplete, o.CheckoutStart, o.CheckoutComplete,
		o.MRR(), o.Revenue(), o.PriorConversion,
		o.ContaminationFlag, int32(o.DuplicationRank),
		boolToUInt8(o.IsEligibleVisitor), boolToUInt8(o.IsActivated),
		boolToUInt8(o.IsConverted), boolToUInt8(o.NewBookingFlag),
		boolToUInt8(o.OnboardingCompleted), boolToUInt8(o.CheckoutCompleted),
		now,
	)
}

// WriteAggregates bulk-inserts the rollups.
func (s *Store) WriteAggregates(ctx context.Context, runID uuid.UUID, rows []funnel.AggregateRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO aggregated (
			run_id, experiment_name, variant, region, device_type, package_group, list_size_group,
			users, activations, conversions, new_bookings,
			total_new_mrr, total_revenue, avg_nb_mrr, sd_nb_mrr, n_nb_mrr, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare aggregates batch: %w", err)
	}
	now := time.Now()
	for _, r := range rows {
		if err := batch.Append(
			runID, r.ExperimentName, r.Variant, r.Region, r.DeviceType, r.PackageGroup, r.ListSizeGroup,
			r.Users, r.Activations, r.Conversions, r.NewBookings,
			r.TotalNewMRR, r.TotalRevenue, r.AvgNBMRR, r.SDNBMRR, r.NNBMRR,
			now,
		); err != nil {
			return fmt.Errorf("failed to append aggregate row: %w", err)
		}
	}
	return batch.Send()
}

// RecordRun inserts the run summary after all three tables were written.
func (s *Store) RecordRun(ctx context.Context, report *materialize.RunReport) error {
	query := `
		INSERT INTO derivation_runs (
			id, started_at, duration_ms, facts_in, clean_rows, rollups,
			ineligible, contaminated, bad_partitions, anomaly_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return s.conn.Exec(ctx, query,
		report.RunID,
		report.StartedAt,
		report.Duration.Milliseconds(),
		int64(report.FactsIn),
		int64(report.CleanRows),
		int64(report.Rollups),
		int64(report.Excluded.Ineligible),
		int64(report.Excluded.Contaminated),
		int64(report.Excluded.BadPartitions),
		int64(len(report.Anomalies)),
		time.Now(),
	)
}

// =============================================================================
// READ SIDE
// =============================================================================

// LatestRun returns the most recent run summary, or nil when none exists.
func (s *Store) LatestRun(ctx context.Context) (*RunSummary, error) {
	query := `
		SELECT id, started_at, duration_ms, facts_in, clean_rows, rollups,
			   ineligible, contaminated, bad_partitions, anomaly_count, created_at
		FROM derivation_runs
		ORDER BY started_at DESC
		LIMIT 1
	`
	return s.scanRun(s.conn.QueryRow(ctx, query))
}

// GetRun retrieves a run summary by ID, or nil when not found.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*RunSummary, error) {
	query := `
		SELECT id, started_at, duration_ms, facts_in, clean_rows, rollups,
			   ineligible, contaminated, bad_partitions, anomaly_count, created_at
		FROM derivation_runs
		WHERE id = ?
		LIMIT 1
	`
	return s.scanRun(s.conn.QueryRow(ctx, query, id))
}

func (s *Store) scanRun(row driver.Row) (*RunSummary, error) {
	var run RunSummary
	err := row.Scan(
		&run.ID, &run.StartedAt, &run.DurationMs, &run.FactsIn, &run.CleanRows,
		&run.Rollups, &run.Ineligible, &run.Contaminated, &run.BadPartitions,
		&run.AnomalyCount, &run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// QueryAggregates lists rollups for a run, optionally filtered to one
// experiment.
func (s *Store) QueryAggregates(ctx context.Context, runID uuid.UUID, experiment string) ([]funnel.AggregateRow, error) {
	query := `
		SELECT experiment_name, variant, region, device_type, package_group, list_size_group,
			   users, activations, conversions, new_bookings,
			   total_new_mrr, total_revenue, avg_nb_mrr, sd_nb_mrr, n_nb_mrr
		FROM aggregated
		WHERE run_id = ?
	`
	args := []interface{}{runID}
	if experiment != "" {
		query += " AND experiment_name = ?"
		args = append(args, experiment)
	}
	query += " ORDER BY experiment_name, variant, region, device_type, package_group, list_size_group"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var out []funnel.AggregateRow
	for rows.Next() {
		var r funnel.AggregateRow
		var totalNewMRR, totalRevenue decimal.Decimal
		if err := rows.Scan(
			&r.ExperimentName, &r.Variant, &r.Region, &r.DeviceType, &r.PackageGroup, &r.ListSizeGroup,
			&r.Users, &r.Activations, &r.Conversions, &r.NewBookings,
			&totalNewMRR, &totalRevenue, &r.AvgNBMRR, &r.SDNBMRR, &r.NNBMRR,
		); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		r.TotalNewMRR = totalNewMRR
		r.TotalRevenue = totalRevenue
		out = append(out, r)
	}
	return out, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
