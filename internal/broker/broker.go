// Package broker provides the order execution interfaces and a paper
// implementation used for simulation and tests.
package broker

import (
	"time"

	"options-mm/internal/models"
)

// Sink accepts dispatched order actions. Calls are fire-and-forget; outcomes
// arrive later through the registered handlers.
type Sink interface {
	SendNew(a models.OrderAction)
	Move(a models.OrderAction)
	MovePair(a, b models.OrderAction)
	Cancel(a models.OrderAction)
}

// OrderEvent reports the new live state of one leg.
type OrderEvent struct {
	Option models.SecurityID
	Role   models.Role
	Leg    models.Leg
	State  models.OrderState
	At     time.Time
}

// FillEvent reports an execution.
type FillEvent struct {
	OrderID string
	Option  models.SecurityID
	Role    models.Role
	Leg     models.Leg
	Side    models.Side
	Qty     int
	Price   float64
	// Position is the option position after the fill.
	Position int
	At       time.Time
}

// Signed returns the position change of the fill.
func (f FillEvent) Signed() int {
	if f.Side == models.SideSell {
		return -f.Qty
	}
	return f.Qty
}
