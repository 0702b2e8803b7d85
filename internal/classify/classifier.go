// Package classify derives per-user funnel outcomes from raw facts.
//
// Classification is a pure, total function: it never errors, and any
// missing or inconsistent date resolves to "stage not reached". The funnel
// stages form an ordered chain of gate predicates, each gated on the
// previous one, so funnel monotonicity (converted implies activated implies
// eligible) holds by construction.
package classify

import (
	"fmt"
	"time"

	"experiment-outcomes/internal/funnel"
)

// DefaultGraceDays is the activation grace window for hybrid products when
// the experiment does not configure one.
const DefaultGraceDays = 90

// ExperimentConfig carries the per-experiment rules the classifier needs.
// It is passed explicitly on every call; the engine holds no global state,
// so one run can process many experiments with differing rules.
type ExperimentConfig struct {
	Name    string
	Start   time.Time
	End     time.Time
	Product funnel.ProductType

	// GraceDays is how far activation may precede first exposure for hybrid
	// products. Zero means DefaultGraceDays. Ignored for web-only products.
	GraceDays int
}

func (c ExperimentConfig) graceDays() int {
	if c.GraceDays <= 0 {
		return DefaultGraceDays
	}
	return c.GraceDays
}

// Classify maps one fact to its Outcome under the experiment's rules.
func Classify(fact funnel.FunnelFact, cfg ExperimentConfig) funnel.Outcome {
	out := funnel.Outcome{FunnelFact: fact}

	out.IsEligibleVisitor = eligibleVisitor(fact, cfg)
	out.IsActivated = out.IsEligibleVisitor && activated(fact, cfg)
	out.IsConverted = out.IsActivated && converted(fact, cfg)
	out.NewBookingFlag = out.IsConverted && newBooking(fact)

	out.OnboardingCompleted = out.IsActivated &&
		stepCompleted(fact.OnboardingStart, fact.OnboardingComplete, *fact.FirstExposure, cfg.End)
	out.CheckoutCompleted = out.IsActivated &&
		stepCompleted(fact.CheckoutStart, fact.CheckoutComplete, *fact.FirstExposure, cfg.End)

	return out
}

// eligibleVisitor: exposed within the experiment window, no disqualifying
// prior activity.
func eligibleVisitor(f funnel.FunnelFact, cfg ExperimentConfig) bool {
	if f.FirstExposure == nil {
		return false
	}
	exposure := *f.FirstExposure
	if exposure.Before(cfg.Start) || exposure.After(cfg.End) {
		return false
	}
	if f.PriorConversion != nil && f.PriorConversion.Before(exposure) {
		return false
	}
	return true
}

// activated: an activation signal exists and is consistent with exposure.
// Web-only products require activation on or after exposure; hybrid products
// accept activation up to the grace window before it. Either way, a
// conversion dated before first exposure voids activation outright:
// pre-exposure completion does not count even when the raw activation
// threshold was met.
func activated(f funnel.FunnelFact, cfg ExperimentConfig) bool {
	if f.Activation == nil {
		return false
	}
	exposure := *f.FirstExposure
	if f.Conversion != nil && f.Conversion.Before(exposure) {
		return false
	}
	threshold := exposure
	if cfg.Product == funnel.ProductHybrid {
		threshold = exposure.AddDate(0, 0, -cfg.graceDays())
	}
	return !f.Activation.Before(threshold)
}

// converted: conversion follows activation and exposure (same-day is valid)
// and lands strictly before the experiment end.
func converted(f funnel.FunnelFact, cfg ExperimentConfig) bool {
	if f.Conversion == nil {
		return false
	}
	conv := *f.Conversion
	if conv.Before(*f.Activation) || conv.Before(*f.FirstExposure) {
		return false
	}
	return conv.Before(cfg.End)
}

// newBooking: first booking attributable to this experiment. The canonical
// rank-1 row carries the user's first booking date, so per-row evaluation
// counts each user at most once after deduplication.
func newBooking(f funnel.FunnelFact) bool {
	return f.Booking != nil && !f.Booking.Before(*f.Conversion)
}

// stepCompleted validates an optional intermediate step. Completion must fall
// inside [exposure, end) and respect start→complete ordering when a start
// timestamp exists. A missing start with a valid completion is silently
// accepted; this is the only place a missing value passes without being
// flagged.
func stepCompleted(start, complete *time.Time, exposure, end time.Time) bool {
	if complete == nil {
		return false
	}
	if complete.Before(exposure) || !complete.Before(end) {
		return false
	}
	if start != nil && complete.Before(*start) {
		return false
	}
	return true
}

// Signals reports data-quality oddities on a fact: dates that are present
// but incoherent with the funnel order. These are not errors; callers opt in
// to logging them. The list is empty for well-formed facts.
func Signals(f funnel.FunnelFact) []string {
	var sigs []string
	if f.FirstExposure == nil {
		if f.Activation != nil || f.Conversion != nil || f.Booking != nil {
			sigs = append(sigs, "stage dates without first exposure")
		}
		return sigs
	}
	if f.Conversion != nil && f.Activation == nil {
		sigs = append(sigs, "conversion without activation")
	}
	if f.Conversion != nil && f.Conversion.Before(*f.FirstExposure) {
		sigs = append(sigs, "conversion predates first exposure")
	}
	if f.Booking != nil && f.Conversion == nil {
		sigs = append(sigs, "booking without conversion")
	}
	if f.Booking != nil && f.Conversion != nil && f.Booking.Before(*f.Conversion) {
		sigs = append(sigs, "booking predates conversion")
	}
	if f.DuplicationRank < 1 {
		sigs = append(sigs, fmt.Sprintf("non-positive duplication rank %d", f.DuplicationRank))
	}
	return sigs
}
