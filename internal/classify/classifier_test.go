package classify_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"experiment-outcomes/internal/classify"
	"experiment-outcomes/internal/funnel"
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func webConfig() classify.ExperimentConfig {
	return classify.ExperimentConfig{
		Name:    "homepage_cta_test",
		Start:   time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
		Product: funnel.ProductWeb,
	}
}

func hybridConfig() classify.ExperimentConfig {
	cfg := webConfig()
	cfg.Product = funnel.ProductHybrid
	cfg.GraceDays = 90
	return cfg
}

func baseFact() funnel.FunnelFact {
	mrr := decimal.NewFromInt(49)
	rev := decimal.NewFromInt(120)
	return funnel.FunnelFact{
		UserID:            "u1",
		ExperimentName:    "homepage_cta_test",
		Variant:           "treatment",
		FirstExposure:     day(2024, time.January, 10),
		Region:            "US",
		DeviceType:        "desktop",
		PackageGroup:      "pro",
		ListSizeGroup:     "1k-10k",
		NBMRR:             &mrr,
		TotalRevenue:      &rev,
		ContaminationFlag: funnel.NotContaminated,
		DuplicationRank:   1,
	}
}

// ------------------------------------------------------------
// FULL FUNNEL
// ------------------------------------------------------------

func TestClassify_FullFunnel(t *testing.T) {
	fact := baseFact()
	fact.Activation = day(2024, time.January, 10)
	fact.Conversion = day(2024, time.January, 15)
	fact.Booking = day(2024, time.January, 20)

	out := classify.Classify(fact, webConfig())

	if !out.IsEligibleVisitor {
		t.Fatalf("expected eligible visitor")
	}
	if !out.IsActivated {
		t.Fatalf("expected activated")
	}
	if !out.IsConverted {
		t.Fatalf("expected converted")
	}
	if !out.NewBookingFlag {
		t.Fatalf("expected new booking")
	}
}

func TestClassify_SameDayTransitionsAreValid(t *testing.T) {
	fact := baseFact()
	fact.Activation = day(2024, time.January, 10)
	fact.Conversion = day(2024, time.January, 10)
	fact.Booking = day(2024, time.January, 10)

	out := classify.Classify(fact, webConfig())

	if !out.NewBookingFlag {
		t.Fatalf("same-day funnel should reach new booking, got %+v", out)
	}
}

// ------------------------------------------------------------
// ELIGIBILITY
// ------------------------------------------------------------

func TestClassify_NoExposureNeverEligible(t *testing.T) {
	fact := baseFact()
	fact.FirstExposure = nil
	fact.Activation = day(2024, time.January, 12)
	fact.Conversion = day(2024, time.January, 15)
	fact.Booking = day(2024, time.January, 20)

	out := classify.Classify(fact, webConfig())

	if out.IsEligibleVisitor || out.IsActivated || out.IsConverted || out.NewBookingFlag {
		t.Fatalf("fact without exposure must fail every stage, got %+v", out)
	}
}

func TestClassify_ExposureOutsideWindow(t *testing.T) {
	for _, exposure := range []*time.Time{
		day(2023, time.December, 31),
		day(2024, time.April, 1),
	} {
		fact := baseFact()
		fact.FirstExposure = exposure
		fact.Activation = exposure

		out := classify.Classify(fact, webConfig())
		if out.IsEligibleVisitor {
			t.Fatalf("exposure %v is outside the window, expected ineligible", exposure)
		}
	}
}

func TestClassify_ExposureOnWindowBoundsIsEligible(t *testing.T) {
	cfg := webConfig()
	for _, exposure := range []*time.Time{
		day(2024, time.January, 1),
		day(2024, time.March, 31),
	} {
		fact := baseFact()
		fact.FirstExposure = exposure

		out := classify.Classify(fact, cfg)
		if !out.IsEligibleVisitor {
			t.Fatalf("exposure %v is on the window bound, expected eligible", exposure)
		}
	}
}

func TestClassify_PriorConversionDisqualifies(t *testing.T) {
	fact := baseFact()
	fact.PriorConversion = day(2023, time.June, 1)
	fact.Activation = day(2024, time.January, 12)

	out := classify.Classify(fact, webConfig())

	if out.IsEligibleVisitor {
		t.Fatalf("prior conversion before exposure must disqualify eligibility")
	}
}

// ------------------------------------------------------------
// ACTIVATION
// ------------------------------------------------------------

func TestClassify_WebActivationBeforeExposure(t *testing.T) {
	fact := baseFact()
	fact.Activation = day(2024, time.January, 5)

	out := classify.Classify(fact, webConfig())

	if out.IsActivated {
		t.Fatalf("web-only product: activation before exposure must not count")
	}
}

func TestClassify_HybridGraceWindow(t *testing.T) {
	// Inside the 90-day grace window.
	fact := baseFact()
	fact.Activation = day(2023, time.November, 1)

	out := classify.Classify(fact, hybridConfig())
	if !out.IsActivated {
		t.Fatalf("hybrid product: activation inside the grace window must count")
	}

	// Beyond the grace window.
	fact.Activation = day(2023, time.September, 1)
	out = classify.Classify(fact, hybridConfig())
	if out.IsActivated {
		t.Fatalf("hybrid product: activation beyond the grace window must not count")
	}
}

// A conversion dated before first exposure voids activation
// regardless of the raw activation threshold, hybrid grace included.
func TestClassify_PreExposureConversionVoidsActivation(t *testing.T) {
	for _, cfg := range []classify.ExperimentConfig{webConfig(), hybridConfig()} {
		fact := baseFact()
		fact.Activation = day(2024, time.January, 10)
		fact.Conversion = day(2024, time.January, 5)

		out := classify.Classify(fact, cfg)

		if out.IsActivated {
			t.Fatalf("%s: pre-exposure conversion must void activation", cfg.Product)
		}
		if out.IsConverted {
			t.Fatalf("%s: pre-exposure conversion must not convert", cfg.Product)
		}
	}
}

// ------------------------------------------------------------
// CONVERSION
// ------------------------------------------------------------

func TestClassify_ConversionOrdering(t *testing.T) {
	tests := []struct {
		name       string
		activation *time.Time
		conversion *time.Time
		want       bool
	}{
		{"after activation", day(2024, time.January, 12), day(2024, time.January, 20), true},
		{"same day as activation", day(2024, time.January, 12), day(2024, time.January, 12), true},
		{"before activation", day(2024, time.January, 12), day(2024, time.January, 11), false},
		{"on experiment end", day(2024, time.January, 12), day(2024, time.March, 31), false},
		{"day before experiment end", day(2024, time.January, 12), day(2024, time.March, 30), true},
		{"missing", day(2024, time.January, 12), nil, false},
	}

	for _, tc := range tests {
		fact := baseFact()
		fact.Activation = tc.activation
		fact.Conversion = tc.conversion

		out := classify.Classify(fact, webConfig())
		if out.IsConverted != tc.want {
			t.Fatalf("%s: expected is_converted=%v, got %v", tc.name, tc.want, out.IsConverted)
		}
	}
}

// ------------------------------------------------------------
// NEW BOOKING
// ------------------------------------------------------------

func TestClassify_BookingOrdering(t *testing.T) {
	fact := baseFact()
	fact.Activation = day(2024, time.January, 10)
	fact.Conversion = day(2024, time.January, 15)

	fact.Booking = day(2024, time.January, 14)
	out := classify.Classify(fact, webConfig())
	if out.NewBookingFlag {
		t.Fatalf("booking before conversion must not flag")
	}

	fact.Booking = nil
	out = classify.Classify(fact, webConfig())
	if out.NewBookingFlag {
		t.Fatalf("missing booking must not flag")
	}
}

// ------------------------------------------------------------
// OPTIONAL STEPS
// ------------------------------------------------------------

func TestClassify_OptionalStepNullTolerant(t *testing.T) {
	// Completion with a missing start timestamp is accepted as long as the
	// completion falls within the window.
	fact := baseFact()
	fact.Activation = day(2024, time.January, 10)
	fact.OnboardingComplete = day(2024, time.January, 20)

	out := classify.Classify(fact, webConfig())
	if !out.OnboardingCompleted {
		t.Fatalf("completion without start must be accepted")
	}
}

func TestClassify_OptionalStepOrdering(t *testing.T) {
	fact := baseFact()
	fact.Activation = day(2024, time.January, 10)
	fact.CheckoutStart = day(2024, time.January, 22)
	fact.CheckoutComplete = day(2024, time.January, 20)

	out := classify.Classify(fact, webConfig())
	if out.CheckoutCompleted {
		t.Fatalf("completion before start must be rejected")
	}

	fact.CheckoutStart = day(2024, time.January, 18)
	out = classify.Classify(fact, webConfig())
	if !out.CheckoutCompleted {
		t.Fatalf("start before completion must be accepted")
	}
}

func TestClassify_OptionalStepRequiresActivation(t *testing.T) {
	fact := baseFact()
	fact.OnboardingComplete = day(2024, time.January, 20)

	out := classify.Classify(fact, webConfig())
	if out.OnboardingCompleted {
		t.Fatalf("step completion without activation must be rejected")
	}
}

// ------------------------------------------------------------
// FUNNEL MONOTONICITY
// ------------------------------------------------------------

func TestClassify_FunnelMonotonicity(t *testing.T) {
	dates := []*time.Time{
		nil,
		day(2023, time.October, 1),
		day(2024, time.January, 5),
		day(2024, time.January, 10),
		day(2024, time.January, 20),
		day(2024, time.April, 15),
	}
	configs := []classify.ExperimentConfig{webConfig(), hybridConfig()}

	for _, cfg := range configs {
		for _, exposure := range dates {
			for _, activation := range dates {
				for _, conversion := range dates {
					for _, booking := range dates {
						fact := baseFact()
						fact.FirstExposure = exposure
						fact.Activation = activation
						fact.Conversion = conversion
						fact.Booking = booking

						out := classify.Classify(fact, cfg)

						if out.IsConverted && !out.IsActivated {
							t.Fatalf("converted without activated: %+v", fact)
						}
						if out.IsActivated && !out.IsEligibleVisitor {
							t.Fatalf("activated without eligible: %+v", fact)
						}
						if out.NewBookingFlag && !out.IsConverted {
							t.Fatalf("new booking without converted: %+v", fact)
						}
					}
				}
			}
		}
	}
}

// ------------------------------------------------------------
// SIGNALS
// ------------------------------------------------------------

func TestSignals_WellFormedFactIsQuiet(t *testing.T) {
	fact := baseFact()
	fact.Activation = day(2024, time.January, 10)
	fact.Conversion = day(2024, time.January, 15)
	fact.Booking = day(2024, time.January, 20)

	if sigs := classify.Signals(fact); len(sigs) != 0 {
		t.Fatalf("expected no signals, got %v", sigs)
	}
}

func TestSignals_ReportsIncoherentDates(t *testing.T) {
	fact := baseFact()
	fact.Conversion = day(2024, time.January, 5)
	fact.Booking = day(2024, time.January, 2)

	sigs := classify.Signals(fact)
	if len(sigs) == 0 {
		t.Fatalf("expected signals for incoherent dates")
	}
}
