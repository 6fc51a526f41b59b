package models

// Obligation is the exchange market-maker quoting requirement for an option.
type Obligation struct {
	Volume int
	Spread float64 // price steps
}

// RecalcState aggregates everything one recalculation of one option needs.
// It is constructed fresh per recalculation and discarded after dispatch.
type RecalcState struct {
	Option     SecurityID
	OptionType OptionType
	Strike     float64
	PriceStep  float64
	Future     Quote
	Quote      Quote
	Position   int
	Limits     RiskLimits
	Portfolio  Portfolio
	Obligation Obligation
	Orders     map[Role]LegOrders
	Actions    []OrderAction
}

// OrdersFor returns the live leg orders of a role.
func (s *RecalcState) OrdersFor(role Role) LegOrders {
	if s.Orders == nil {
		return LegOrders{}
	}
	return s.Orders[role]
}

// AddActions appends the proposed actions of one role.
func (s *RecalcState) AddActions(actions ...OrderAction) {
	s.Actions = append(s.Actions, actions...)
}
