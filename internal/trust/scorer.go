// Package trust computes a time-decayed reputation score for one organization
// as seen by another, from invoices and attestations committed to the chain.
// Scoring is read-only.
package trust

import (
	"context"
	"errors"
)

// ErrUnknownOrg is returned when either party is not a federation member.
var ErrUnknownOrg = errors.New("unknown organization")

// Explanation is the fixed human-readable summary attached to every report.
const Explanation = "Time-weighted history plus attestations, minus recent disputes"

// Factor is one weighted input to the score.
type Factor struct {
	Name   string  `json:"factor"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Report is the output of a scoring run.
type Report struct {
	FromOrg string `json:"from_org"`
	ToOrg   string `json:"to_org"`

	// Score is the weighted sum of the factors scaled to 0–100.
	Score int `json:"score"`

	// Confidence grows with the number of samples behind the score:
	//   0–1 samples → 0.25 "low"
	//   2–4 samples → 0.60 "medium"
	//   5+  samples → 0.85 "high"
	Confidence      float64 `json:"confidence"`
	ConfidenceLabel string  `json:"confidence_label"`

	// Samples is the number of invoices plus attestations considered.
	Samples int `json:"samples"`

	// Factors is populated only when requested.
	Factors     []Factor `json:"factors,omitempty"`
	Explanation string   `json:"explanation"`
}

// Scorer computes trust between two organizations.
type Scorer interface {
	Score(ctx context.Context, fromOrg, toOrg string, includeFactors bool) (*Report, error)
}

// confidence maps a sample count to a confidence value and label.
func confidence(samples int) (float64, string) {
	switch {
	case samples >= 5:
		return 0.85, "high"
	case samples >= 2:
		return 0.6, "medium"
	default:
		return 0.25, "low"
	}
}
