// Package analytics serves read-only anchoring summaries. Everything is
// computed from the store at call time; staleness is bounded by nothing
// because nothing is cached.
package analytics

import (
	"context"
	"time"

	"attestor/internal/anchor/models"
	"attestor/internal/anchor/store"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/requestcontext"
)

// Period presets accepted by Summary.
var periods = map[string]time.Duration{
	"7d":   7 * 24 * time.Hour,
	"30d":  30 * 24 * time.Hour,
	"90d":  90 * 24 * time.Hour,
	"365d": 365 * 24 * time.Hour,
}

const defaultPeriod = "30d"

// Summary is the analytics payload for one owner and window.
type Summary struct {
	Period             string                          `json:"period"`
	Since              time.Time                       `json:"since"`
	Total              int                             `json:"total"`
	ByStatus           map[models.Status]int           `json:"byStatus"`
	ByNetwork          map[models.Network]int          `json:"byNetwork"`
	ByFramework        map[string]int                  `json:"byFramework"`
	ByValidation       map[models.ValidationStatus]int `json:"byValidation"`
	TotalVerifications int                             `json:"totalVerifications"`
	ConfirmationRate   float64                         `json:"confirmationRate"`
	VerificationRate   float64                         `json:"verificationRate"`
}

// Aggregator computes summaries scoped to the calling owner.
type Aggregator struct {
	store store.Store
}

func NewAggregator(recordStore store.Store) *Aggregator {
	return &Aggregator{store: recordStore}
}

// Summary aggregates the caller's records created in the given period.
// An empty period defaults to 30 days.
func (a *Aggregator) Summary(ctx context.Context, period string) (*Summary, error) {
	owner := requestcontext.OwnerFrom(ctx)
	if owner.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "owner context is required")
	}
	if period == "" {
		period = defaultPeriod
	}
	window, ok := periods[period]
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "unsupported period: "+period)
	}

	since := requestcontext.Now(ctx).Add(-window)
	filter := store.Filter{
		IncludeArchived: true,
		CreatedAfter:    &since,
	}
	if owner.InstitutionID != "" {
		filter.OwnerInstitutionID = owner.InstitutionID
	} else {
		filter.OwnerUserID = owner.UserID
	}

	agg, err := a.store.Aggregate(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to aggregate records")
	}

	s := &Summary{
		Period:             period,
		Since:              since,
		Total:              agg.Total,
		ByStatus:           agg.ByStatus,
		ByNetwork:          agg.ByNetwork,
		ByFramework:        agg.ByFramework,
		ByValidation:       agg.ByValidation,
		TotalVerifications: agg.TotalVerifications,
	}
	if agg.Total > 0 {
		confirmed := agg.ByStatus[models.StatusConfirmed] + agg.ByStatus[models.StatusArchived]
		s.ConfirmationRate = float64(confirmed) / float64(agg.Total)
		s.VerificationRate = float64(agg.ByValidation[models.ValidationVerified]) / float64(agg.Total)
	}
	return s, nil
}
