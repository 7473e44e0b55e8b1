package allowance

import (
	"time"

	"github.com/garyjia/trip-allowance/internal/domain/entity"
)

// The rate provider only quotes this pair
const (
	FxBase          = "USD"
	FxQuote         = "IDR"
	DefaultFxSource = "RegyCloud Kurs API"
)

// FxSnapshot is a captured USD/IDR mid-rate. It is stored next to the
// breakdown for audit purposes and never enters the totals.
type FxSnapshot struct {
	Base   string  `json:"base"`
	Quote  string  `json:"quote"`
	Mid    float64 `json:"mid"`
	AsOf   string  `json:"as_of"`
	Source string  `json:"source"`
}

// IsZero reports whether no rate has been captured
func (s FxSnapshot) IsZero() bool {
	return s.Mid <= 0
}

// WithDefaults fills the fixed pair, the as-of date and the source
func (s FxSnapshot) WithDefaults(asOf string) FxSnapshot {
	s.Base = FxBase
	s.Quote = FxQuote
	if s.AsOf == "" {
		s.AsOf = asOf
	}
	if s.Source == "" {
		s.Source = DefaultFxSource
	}
	return s
}

// ResolveFxDate picks the date an FX rate should be looked up for:
// the trip's departure date if known, else today.
func ResolveFxDate(trip *entity.Trip, now time.Time) string {
	if d := trip.DepartISO(); d != "" {
		return d
	}
	return now.UTC().Format("2006-01-02")
}
