// Package funnel defines the value types flowing through the derivation
// pipeline: raw facts, classified outcomes, clean-cohort rows and rollups.
package funnel

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotContaminated is the only contamination flag value that admits a user to
// the clean cohort. Every other value, including empty or unrecognized ones,
// excludes the row.
const NotContaminated = "Not Contaminated"

// ProductType selects the activation policy for an experiment.
type ProductType string

const (
	// ProductWeb requires activation on or after first exposure.
	ProductWeb ProductType = "web"
	// ProductHybrid allows activation to precede exposure by a grace window.
	ProductHybrid ProductType = "hybrid"
)

// FunnelFact is one raw user/experiment observation from the staging
// relation. It carries no derived state; semantic validation is the
// classifier's job. The same (user, experiment) pair may appear on multiple
// rows, distinguished by DuplicationRank.
type FunnelFact struct {
	UserID         string
	ExperimentName string
	Variant        string

	// FirstExposure is the funnel's temporal origin. A fact without it is
	// never eligible.
	FirstExposure *time.Time

	// Segmentation attributes, passed through unmodified.
	Region        string
	DeviceType    string
	PackageGroup  string
	ListSizeGroup string

	// Stage dates. Nil means the event never happened; equal dates mean
	// same-day occurrence, which is valid.
	Activation *time.Time
	Conversion *time.Time
	Booking    *time.Time

	// Optional intermediate steps.
	OnboardingStart    *time.Time
	OnboardingComplete *time.Time
	CheckoutStart      *time.Time
	CheckoutComplete   *time.Time

	// Money. Nil is treated as zero when summed.
	NBMRR        *decimal.Decimal
	TotalRevenue *decimal.Decimal

	// PriorConversion marks disqualifying pre-experiment activity: a
	// conversion dated before this user's first exposure.
	PriorConversion *time.Time

	ContaminationFlag string

	// DuplicationRank orders rows representing the same (user, experiment)
	// pair; rank 1 is the canonical representative. Ranking is owned by the
	// upstream fact producer.
	DuplicationRank int
}

// MRR returns the new-booking MRR with nil treated as zero.
func (f FunnelFact) MRR() decimal.Decimal {
	if f.NBMRR == nil {
		return decimal.Zero
	}
	return *f.NBMRR
}

// Revenue returns the total revenue with nil treated as zero.
func (f FunnelFact) Revenue() decimal.Decimal {
	if f.TotalRevenue == nil {
		return decimal.Zero
	}
	return *f.TotalRevenue
}

// Outcome is the classification result for one fact: the fact itself plus the
// derived stage memberships. Outcomes are created fresh on every derivation
// run and never mutated in place.
type Outcome struct {
	FunnelFact

	IsEligibleVisitor bool
	IsActivated       bool
	IsConverted       bool
	NewBookingFlag    bool

	// Optional intermediate step completions, gated on activation.
	OnboardingCompleted bool
	CheckoutCompleted   bool
}

// CleanRow is an Outcome admitted to the clean cohort: eligible, not
// contaminated, and the canonical rank-1 representation of its user within
// the experiment. Exactly one CleanRow exists per (user, experiment).
type CleanRow struct {
	Outcome
}

// AggregateRow is one rollup over a dimension tuple of the clean cohort.
// Dimension columns not part of the grouping key are empty. AvgNBMRR,
// SDNBMRR and NNBMRR carry the summary stats downstream significance tests
// need; they are derivable only from the per-user rows, not from the sums.
type AggregateRow struct {
	ExperimentName string
	Variant        string
	Region         string
	DeviceType     string
	PackageGroup   string
	ListSizeGroup  string

	Users       int64
	Activations int64
	Conversions int64
	NewBookings int64

	TotalNewMRR  decimal.Decimal
	TotalRevenue decimal.Decimal

	AvgNBMRR float64
	SDNBMRR  float64
	NNBMRR   int64
}
