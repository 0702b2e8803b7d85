package aggregate_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"experiment-outcomes/internal/aggregate"
	"experiment-outcomes/internal/funnel"
)

func cleanRow(user, variant, region string, converted bool, mrr float64) funnel.CleanRow {
	row := funnel.CleanRow{
		Outcome: funnel.Outcome{
			FunnelFact: funnel.FunnelFact{
				UserID:            user,
				ExperimentName:    "exp_a",
				Variant:           variant,
				Region:            region,
				PackageGroup:      "pro",
				ListSizeGroup:     "1k-10k",
				ContaminationFlag: funnel.NotContaminated,
				DuplicationRank:   1,
			},
			IsEligibleVisitor: true,
			IsActivated:       true,
			IsConverted:       converted,
			NewBookingFlag:    converted,
		},
	}
	if mrr != 0 {
		d := decimal.NewFromFloat(mrr)
		row.NBMRR = &d
	}
	return row
}

// ------------------------------------------------------------
// METRICS
// ------------------------------------------------------------

func TestRollup_CountsAndSums(t *testing.T) {
	rows := []funnel.CleanRow{
		cleanRow("u1", "treatment", "US", true, 10),
		cleanRow("u2", "treatment", "US", false, 0),
		cleanRow("u3", "treatment", "US", true, 20),
	}

	out := aggregate.Rollup(rows, aggregate.DefaultDimensions())
	if len(out) != 1 {
		t.Fatalf("expected a single group, got %d", len(out))
	}

	g := out[0]
	if g.Users != 3 {
		t.Fatalf("expected 3 distinct users, got %d", g.Users)
	}
	if g.Activations != 3 || g.Conversions != 2 || g.NewBookings != 2 {
		t.Fatalf("unexpected counts: %+v", g)
	}
	if !g.TotalNewMRR.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected total_new_mrr 30, got %s", g.TotalNewMRR)
	}
	// nb_mrr observations 10, 0, 20: mean 10, sample sd 10.
	if math.Abs(g.AvgNBMRR-10) > 1e-9 || math.Abs(g.SDNBMRR-10) > 1e-9 || g.NNBMRR != 3 {
		t.Fatalf("unexpected mrr stats: avg=%v sd=%v n=%v", g.AvgNBMRR, g.SDNBMRR, g.NNBMRR)
	}
}

func TestRollup_SingleObservationHasZeroSD(t *testing.T) {
	out := aggregate.Rollup([]funnel.CleanRow{
		cleanRow("u1", "treatment", "US", true, 42),
	}, aggregate.DefaultDimensions())

	if len(out) != 1 {
		t.Fatalf("expected one group, got %d", len(out))
	}
	if out[0].AvgNBMRR != 42 || out[0].SDNBMRR != 0 {
		t.Fatalf("single observation: avg=%v sd=%v", out[0].AvgNBMRR, out[0].SDNBMRR)
	}
}

// ------------------------------------------------------------
// GROUPING
// ------------------------------------------------------------

func TestRollup_SplitsByDimensionValues(t *testing.T) {
	rows := []funnel.CleanRow{
		cleanRow("u1", "control", "US", false, 0),
		cleanRow("u2", "treatment", "US", false, 0),
		cleanRow("u3", "treatment", "EU", false, 0),
	}

	out := aggregate.Rollup(rows, aggregate.DefaultDimensions())
	if len(out) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(out))
	}
	for _, g := range out {
		if g.Users != 1 {
			t.Fatalf("each group should hold one user, got %+v", g)
		}
	}
}

func TestRollup_CoarserDimensionsMerge(t *testing.T) {
	rows := []funnel.CleanRow{
		cleanRow("u1", "treatment", "US", true, 10),
		cleanRow("u2", "treatment", "EU", true, 20),
	}

	out := aggregate.Rollup(rows, []aggregate.Dimension{aggregate.DimExperiment, aggregate.DimVariant})
	if len(out) != 1 {
		t.Fatalf("grouping without region should merge to one group, got %d", len(out))
	}

	g := out[0]
	if g.Users != 2 || !g.TotalNewMRR.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("merged group wrong: %+v", g)
	}
	// Ungrouped columns stay empty so a reader cannot mistake a merged row
	// for a segment row.
	if g.Region != "" {
		t.Fatalf("ungrouped region column must be empty, got %q", g.Region)
	}
}

func TestRollup_NoEmptyGroups(t *testing.T) {
	out := aggregate.Rollup(nil, aggregate.DefaultDimensions())
	if len(out) != 0 {
		t.Fatalf("no input rows means no output rows, got %d", len(out))
	}
}

// ------------------------------------------------------------
// DETERMINISM
// ------------------------------------------------------------

func TestRollup_Deterministic(t *testing.T) {
	rows := []funnel.CleanRow{
		cleanRow("u4", "treatment", "EU", true, 5),
		cleanRow("u1", "control", "US", false, 0),
		cleanRow("u3", "treatment", "US", true, 15),
		cleanRow("u2", "control", "EU", false, 0),
	}
	reversed := make([]funnel.CleanRow, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}

	a := aggregate.Rollup(rows, aggregate.DefaultDimensions())
	b := aggregate.Rollup(reversed, aggregate.DefaultDimensions())

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("rollup must be order independent:\n%+v\nvs\n%+v", a, b)
	}
	for i := 1; i < len(a); i++ {
		if a[i-1].Variant > a[i].Variant && a[i-1].ExperimentName == a[i].ExperimentName {
			t.Fatalf("output not sorted by group key: %+v", a)
		}
	}
}

// ------------------------------------------------------------
// DIMENSION PARSING
// ------------------------------------------------------------

func TestParseDimensions(t *testing.T) {
	dims, err := aggregate.ParseDimensions([]string{"experiment_name", " variant ", "region"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []aggregate.Dimension{aggregate.DimExperiment, aggregate.DimVariant, aggregate.DimRegion}
	if !reflect.DeepEqual(dims, want) {
		t.Fatalf("expected %v, got %v", want, dims)
	}

	if _, err := aggregate.ParseDimensions([]string{"favourite_color"}); err == nil {
		t.Fatalf("expected an error for an unknown dimension")
	}
}
