// Package aggregate rolls the clean cohort up into variant/segment metrics.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"experiment-outcomes/internal/funnel"
)

// Dimension is one grouping axis for the rollup.
type Dimension string

const (
	DimExperiment Dimension = "experiment_name"
	DimVariant    Dimension = "variant"
	DimRegion     Dimension = "region"
	DimDevice     Dimension = "device_type"
	DimPackage    Dimension = "package_group"
	DimListSize   Dimension = "list_size_group"
)

// DefaultDimensions is the grouping key of the persisted aggregated table.
func DefaultDimensions() []Dimension {
	return []Dimension{DimExperiment, DimVariant, DimRegion, DimPackage, DimListSize}
}

type accumulator struct {
	row   funnel.AggregateRow
	users map[string]struct{}

	// Running stats for per-user new-booking MRR (nil treated as zero).
	mrrSum   float64
	mrrSumSq float64
}

// Rollup groups clean rows by the given dimension subset and computes the
// count and revenue metrics. Groups with zero observed users are never
// emitted. Output rows are sorted by group key, so the same input always
// produces the same table.
func Rollup(rows []funnel.CleanRow, dims []Dimension) []funnel.AggregateRow {
	if len(dims) == 0 {
		dims = DefaultDimensions()
	}

	groups := make(map[string]*accumulator)
	for _, r := range rows {
		key := groupKey(r, dims)
		acc, ok := groups[key]
		if !ok {
			acc = &accumulator{
				row:   dimensionColumns(r, dims),
				users: make(map[string]struct{}),
			}
			acc.row.TotalNewMRR = decimal.Zero
			acc.row.TotalRevenue = decimal.Zero
			groups[key] = acc
		}

		acc.users[r.UserID] = struct{}{}
		if r.IsActivated {
			acc.row.Activations++
		}
		if r.IsConverted {
			acc.row.Conversions++
		}
		if r.NewBookingFlag {
			acc.row.NewBookings++
		}
		acc.row.TotalNewMRR = acc.row.TotalNewMRR.Add(r.MRR())
		acc.row.TotalRevenue = acc.row.TotalRevenue.Add(r.Revenue())

		mrr := r.MRR().InexactFloat64()
		acc.mrrSum += mrr
		acc.mrrSumSq += mrr * mrr
		acc.row.NNBMRR++
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]funnel.AggregateRow, 0, len(keys))
	for _, k := range keys {
		acc := groups[k]
		acc.row.Users = int64(len(acc.users))
		acc.row.AvgNBMRR, acc.row.SDNBMRR = meanSD(acc.mrrSum, acc.mrrSumSq, acc.row.NNBMRR)
		out = append(out, acc.row)
	}
	return out
}

func groupKey(r funnel.CleanRow, dims []Dimension) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = dimensionValue(r, d)
	}
	return strings.Join(parts, "\x1f")
}

func dimensionValue(r funnel.CleanRow, d Dimension) string {
	switch d {
	case DimExperiment:
		return r.ExperimentName
	case DimVariant:
		return r.Variant
	case DimRegion:
		return r.Region
	case DimDevice:
		return r.DeviceType
	case DimPackage:
		return r.PackageGroup
	case DimListSize:
		return r.ListSizeGroup
	default:
		return ""
	}
}

// dimensionColumns copies only the grouped dimensions onto the output row;
// ungrouped columns stay empty.
func dimensionColumns(r funnel.CleanRow, dims []Dimension) funnel.AggregateRow {
	var row funnel.AggregateRow
	for _, d := range dims {
		switch d {
		case DimExperiment:
			row.ExperimentName = r.ExperimentName
		case DimVariant:
			row.Variant = r.Variant
		case DimRegion:
			row.Region = r.Region
		case DimDevice:
			row.DeviceType = r.DeviceType
		case DimPackage:
			row.PackageGroup = r.PackageGroup
		case DimListSize:
			row.ListSizeGroup = r.ListSizeGroup
		}
	}
	return row
}

// ParseDimensions maps column names to dimensions, for callers that take the
// grouping key as input (the CLI's --dimensions flag).
func ParseDimensions(names []string) ([]Dimension, error) {
	known := map[string]Dimension{
		string(DimExperiment): DimExperiment,
		string(DimVariant):    DimVariant,
		string(DimRegion):     DimRegion,
		string(DimDevice):     DimDevice,
		string(DimPackage):    DimPackage,
		string(DimListSize):   DimListSize,
	}
	dims := make([]Dimension, 0, len(names))
	for _, n := range names {
		d, ok := known[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("unknown dimension %q", n)
		}
		dims = append(dims, d)
	}
	return dims, nil
}

// meanSD computes the mean and sample standard deviation from running sums.
// Groups of one observation have zero deviation.
func meanSD(sum, sumSq float64, n int64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	variance := (sumSq - float64(n)*mean*mean) / float64(n-1)
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}
