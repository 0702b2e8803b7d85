// Package staging reads raw funnel facts from the Postgres staging relation.
// The staging table supplies only raw identifiers, timestamps and flags; the
// derived booleans are computed by the classifier, never ingested.
package staging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"experiment-outcomes/internal/funnel"
	apperrors "experiment-outcomes/pkg/errors"
)

// Reader loads FunnelFacts from the staging relation.
type Reader struct {
	db *sql.DB
}

// Open connects to Postgres. The connection is verified lazily; use Ping for
// an eager check.
func Open(dsn string) (*Reader, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging database: %w", err)
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Reader) Close() error {
	return r.db.Close()
}

const factQuery = `
	SELECT user_id, experiment_name, variant,
	       first_exposure_date,
	       region, device_type, package_group, list_size_group,
	       activation_date, conversion_date, booking_date,
	       onboarding_start, onboarding_complete, checkout_start, checkout_complete,
	       nb_mrr, total_revenue,
	       prior_conversion_date, contamination_flag, duplication_rank
	FROM funnel_facts
	ORDER BY experiment_name, user_id, duplication_rank
`

// Facts reads the whole staging relation. Any shape mismatch (missing
// column, wrong type) is a structural error; the caller must abort the run
// before producing output tables.
func (r *Reader) Facts(ctx context.Context) ([]funnel.FunnelFact, error) {
	rows, err := r.db.QueryContext(ctx, factQuery)
	if err != nil {
		return nil, apperrors.NewStructural(fmt.Sprintf("failed to query funnel facts: %v", err))
	}
	defer rows.Close()

	var facts []funnel.FunnelFact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, apperrors.NewStructural(fmt.Sprintf("failed to scan funnel fact: %v", err))
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStructural(fmt.Sprintf("failed to read funnel facts: %v", err))
	}
	return facts, nil
}

func scanFact(rows *sql.Rows) (funnel.FunnelFact, error) {
	var (
		fact            funnel.FunnelFact
		exposure        sql.NullTime
		activation      sql.NullTime
		conversion      sql.NullTime
		booking         sql.NullTime
		onbStart        sql.NullTime
		onbComplete     sql.NullTime
		checkoutStart   sql.NullTime
		checkoutDone    sql.NullTime
		priorConversion sql.NullTime
		nbMRR           sql.NullString
		totalRevenue    sql.NullString
	)

	err := rows.Scan(
		&fact.UserID, &fact.ExperimentName, &fact.Variant,
		&exposure,
		&fact.Region, &fact.DeviceType, &fact.PackageGroup, &fact.ListSizeGroup,
		&activation, &conversion, &booking,
		&onbStart, &onbComplete, &checkoutStart, &checkoutDone,
		&nbMRR, &totalRevenue,
		&priorConversion, &fact.ContaminationFlag, &fact.DuplicationRank,
	)
	if err != nil {
		return funnel.FunnelFact{}, err
	}

	fact.FirstExposure = nullDate(exposure)
	fact.Activation = nullDate(activation)
	fact.Conversion = nullDate(conversion)
	fact.Booking = nullDate(booking)
	fact.OnboardingStart = nullDate(onbStart)
	fact.OnboardingComplete = nullDate(onbComplete)
	fact.CheckoutStart = nullDate(checkoutStart)
	fact.CheckoutComplete = nullDate(checkoutDone)
	fact.PriorConversion = nullDate(priorConversion)

	if fact.NBMRR, err = nullMoney(nbMRR); err != nil {
		return funnel.FunnelFact{}, fmt.Errorf("bad nb_mrr for user %s: %w", fact.UserID, err)
	}
	if fact.TotalRevenue, err = nullMoney(totalRevenue); err != nil {
		return funnel.FunnelFact{}, fmt.Errorf("bad total_revenue for user %s: %w", fact.UserID, err)
	}

	return fact, nil
}

func nullDate(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	d := t.Time
	return &d
}

// nullMoney parses a numeric column through its text form, keeping exact
// decimal semantics instead of routing money through float64.
func nullMoney(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
