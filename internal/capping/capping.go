// Package capping decides whether an offer may still be shown to a contact.
package capping

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"offer-decisioning-api/internal/models"
)

// Reasons reported when a cap is reached.
const (
	ReasonTotalCap     = "total_cap"
	ReasonPerUserCap   = "per_user_cap"
	ReasonPlacementCap = "per_placement_cap"
	ReasonUnavailable  = "counters_unavailable"
)

// Counts is the ledger view the checker reads.
type Counts interface {
	TotalCount(ctx context.Context, offerID string) (int64, error)
	ContactCount(ctx context.Context, offerID, contactID string, period models.FrequencyPeriod, now time.Time) (int64, error)
	PlacementCount(ctx context.Context, offerID, placementID string) (int64, error)
}

// Verdict is the outcome of a cap check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Checker evaluates offer constraints against ledger counters.
type Checker struct {
	counts Counts
	log    zerolog.Logger
}

// NewChecker creates a checker.
func NewChecker(counts Counts, log zerolog.Logger) *Checker {
	return &Checker{counts: counts, log: log}
}

// Allowed reports whether the offer passes every cap of c. A nil constraint
// always passes.
func (c *Checker) Allowed(ctx context.Context, constraint *models.OfferConstraint, contactID, placementID string, now time.Time) bool {
	return c.Check(ctx, constraint, contactID, placementID, now).Allowed
}

// Check runs the total, per-user and per-placement checks in that order and
// stops at the first one that fails. Counter read errors exclude the offer.
func (c *Checker) Check(ctx context.Context, constraint *models.OfferConstraint, contactID, placementID string, now time.Time) Verdict {
	if constraint == nil {
		return Verdict{Allowed: true}
	}
	offerID := constraint.OfferID

	if constraint.TotalCap > 0 {
		n, err := c.counts.TotalCount(ctx, offerID)
		if err != nil {
			return c.unavailable(err, offerID)
		}
		if n >= int64(constraint.TotalCap) {
			return Verdict{Reason: ReasonTotalCap}
		}
	}

	if constraint.PerUserCap > 0 {
		n, err := c.counts.ContactCount(ctx, offerID, contactID, constraint.FrequencyPeriod, now)
		if err != nil {
			return c.unavailable(err, offerID)
		}
		if n >= int64(constraint.PerUserCap) {
			return Verdict{Reason: ReasonPerUserCap}
		}
	}

	if limit, ok := constraint.PerPlacementCaps[placementID]; ok && limit > 0 {
		n, err := c.counts.PlacementCount(ctx, offerID, placementID)
		if err != nil {
			return c.unavailable(err, offerID)
		}
		if n >= int64(limit) {
			return Verdict{Reason: ReasonPlacementCap}
		}
	}

	return Verdict{Allowed: true}
}

func (c *Checker) unavailable(err error, offerID string) Verdict {
	c.log.Warn().Err(err).Str("offer_id", offerID).Msg("cap counters unavailable, excluding offer")
	return Verdict{Reason: ReasonUnavailable}
}
