// Package store provides the audit journal of dispatched actions and curve fits.
package store

import (
	"context"
	"time"

	"options-mm/internal/models"
)

// Journal defines the interface for audit persistence.
type Journal interface {
	// Actions
	SaveActions(ctx context.Context, batch ActionBatch) (string, error)
	RecentActions(ctx context.Context, filter ActionFilter) ([]ActionRecord, error)

	// Curve fits
	SaveCurveFit(symbol string, snap models.CurveSnapshot) error
	RecentFits(ctx context.Context, symbol string, limit int) ([]FitRecord, error)

	// Lifecycle
	Close() error
}

// ActionBatch is everything one recalculation of one option proposed.
type ActionBatch struct {
	Option   models.SecurityID
	Symbol   string
	Reason   models.RecalcReason
	At       time.Time
	Accepted []models.OrderAction
	Rejected []models.OrderAction
}

// Len returns the number of actions in the batch.
func (b ActionBatch) Len() int {
	return len(b.Accepted) + len(b.Rejected)
}

// ActionRecord is one journaled action.
type ActionRecord struct {
	BatchID  string
	At       time.Time
	Option   models.SecurityID
	Symbol   string
	Recalc   models.RecalcReason
	Action   models.OrderAction
	Accepted bool
}

// ActionFilter represents filters for querying journaled actions.
type ActionFilter struct {
	Option   models.SecurityID
	Symbol   string
	Rejected *bool
	Since    time.Time
	Limit    int
}

// FitRecord is one journaled curve fit.
type FitRecord struct {
	Symbol       string
	Series       models.SecurityID
	Status       models.CurveStatus
	Bid          models.Polynomial
	Offer        models.Polynomial
	BidQuality   models.CurveQuality
	OfferQuality models.CurveQuality
	At           time.Time
}
