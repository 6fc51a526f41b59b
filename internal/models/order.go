package models

import "fmt"

// Side represents the side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Leg is one of the four order roles per option per strategy role.
type Leg int

const (
	BuyOpen Leg = iota
	BuyClose
	SellOpen
	SellClose
)

// Legs lists the four legs in a fixed order.
var Legs = [4]Leg{BuyOpen, BuyClose, SellOpen, SellClose}

// Side returns the order side of the leg.
func (l Leg) Side() Side {
	if l == BuyOpen || l == BuyClose {
		return SideBuy
	}
	return SideSell
}

func (l Leg) String() string {
	switch l {
	case BuyOpen:
		return "BUY_OPEN"
	case BuyClose:
		return "BUY_CLOSE"
	case SellOpen:
		return "SELL_OPEN"
	case SellClose:
		return "SELL_CLOSE"
	default:
		return fmt.Sprintf("LEG(%d)", int(l))
	}
}

// ActionType is the kind of order action.
type ActionType string

const (
	ActionNew    ActionType = "NEW"
	ActionMove   ActionType = "MOVE"
	ActionCancel ActionType = "CANCEL"
)

// RejectReason explains why the arbiter excluded an action.
type RejectReason string

const (
	RejectNone               RejectReason = ""
	RejectSendConditionFalse RejectReason = "SEND_CONDITION_FALSE"
	RejectCrossPrice         RejectReason = "CROSS_PRICE"
	RejectTransactionsLimit  RejectReason = "TRANSACTIONS_LIMIT"
	RejectIVLimit            RejectReason = "IV_LIMIT"
)

// OrderState is the live state of one leg's resting order. It is owned by
// the order-execution side and only read by the decision engine.
type OrderState struct {
	Active        bool
	Price         float64
	Volume        int
	CancelPending bool
	SendPending   bool
}

// Busy reports whether the order is mid-send or mid-cancel.
func (s OrderState) Busy() bool {
	return s.CancelPending || s.SendPending
}

// Draft is the proposed state of one leg, recomputed from scratch every recalculation.
type Draft struct {
	Leg           Leg
	Volume        int
	Price         float64
	ConsiderPrice float64
	TargetIV      float64
}

// Valid reports whether the draft can rest on the book.
func (d Draft) Valid() bool {
	return d.Volume > 0 && d.Price > 0
}

// OrderAction is a proposed or dispatched change for one leg.
type OrderAction struct {
	Option           SecurityID
	Role             Role
	Leg              Leg
	Type             ActionType
	Price            float64
	Volume           int
	CancelThisAction bool
	Reason           RejectReason
}

// Side returns the order side of the action's leg.
func (a OrderAction) Side() Side {
	return a.Leg.Side()
}

func (a OrderAction) String() string {
	return fmt.Sprintf("%s %s/%s %d@%g", a.Type, a.Role, a.Leg, a.Volume, a.Price)
}

// LegOrders holds the live order state of the four legs of one role.
type LegOrders [4]OrderState
