package engine

import (
	"fmt"
	"sync"
	"time"

	"options-mm/internal/errors"
	"options-mm/internal/models"
)

// Future is an underlying futures contract.
type Future struct {
	ID        models.SecurityID
	Symbol    string
	PriceStep float64
	Series    []models.SecurityID
}

// Series is the set of options on one future with one expiry.
type Series struct {
	ID      models.SecurityID
	Symbol  string
	Future  models.SecurityID
	Expiry  time.Time
	Options []models.SecurityID
}

// Option is a listed option. Parent links are ids resolved through the Arena.
type Option struct {
	ID                  models.SecurityID
	Symbol              string
	Series              models.SecurityID
	Future              models.SecurityID
	Type                models.OptionType
	Strike              float64
	PriceStep           float64
	PermanentlyIlliquid bool
	Obligation          models.Obligation
}

// OptionSpec describes an option to add.
type OptionSpec struct {
	Symbol              string
	Series              models.SecurityID
	Type                models.OptionType
	Strike              float64
	PriceStep           float64
	PermanentlyIlliquid bool
	Obligation          models.Obligation
}

// Arena owns every security and hands out stable ids. Ids start at 1.
type Arena struct {
	mu       sync.RWMutex
	next     models.SecurityID
	futures  map[models.SecurityID]*Future
	series   map[models.SecurityID]*Series
	options  map[models.SecurityID]*Option
	bySymbol map[string]models.SecurityID
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{
		futures:  make(map[models.SecurityID]*Future),
		series:   make(map[models.SecurityID]*Series),
		options:  make(map[models.SecurityID]*Option),
		bySymbol: make(map[string]models.SecurityID),
	}
}

func (a *Arena) allocate(symbol string) (models.SecurityID, error) {
	if symbol == "" {
		return 0, fmt.Errorf("%w: empty symbol", errors.ErrInvalidInput)
	}
	if _, ok := a.bySymbol[symbol]; ok {
		return 0, fmt.Errorf("%w: duplicate symbol %s", errors.ErrInvalidInput, symbol)
	}
	a.next++
	a.bySymbol[symbol] = a.next
	return a.next, nil
}

// AddFuture adds a future.
func (a *Arena) AddFuture(symbol string, priceStep float64) (models.SecurityID, error) {
	if priceStep <= 0 {
		return 0, fmt.Errorf("%w: price step %v", errors.ErrInvalidInput, priceStep)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.allocate(symbol)
	if err != nil {
		return 0, err
	}
	a.futures[id] = &Future{ID: id, Symbol: symbol, PriceStep: priceStep}
	return id, nil
}

// AddSeries adds a series under an existing future.
func (a *Arena) AddSeries(symbol string, future models.SecurityID, expiry time.Time) (models.SecurityID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.futures[future]
	if !ok {
		return 0, fmt.Errorf("%w: future %d", errors.ErrUnknownSecurity, future)
	}
	id, err := a.allocate(symbol)
	if err != nil {
		return 0, err
	}
	a.series[id] = &Series{ID: id, Symbol: symbol, Future: future, Expiry: expiry}
	f.Series = append(f.Series, id)
	return id, nil
}

// AddOption adds an option under an existing series.
func (a *Arena) AddOption(spec OptionSpec) (models.SecurityID, error) {
	if spec.Strike <= 0 || spec.PriceStep <= 0 {
		return 0, fmt.Errorf("%w: strike %v step %v", errors.ErrInvalidInput, spec.Strike, spec.PriceStep)
	}
	if spec.Type != models.Call && spec.Type != models.Put {
		return 0, fmt.Errorf("%w: option type %q", errors.ErrInvalidInput, spec.Type)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.series[spec.Series]
	if !ok {
		return 0, fmt.Errorf("%w: series %d", errors.ErrUnknownSecurity, spec.Series)
	}
	id, err := a.allocate(spec.Symbol)
	if err != nil {
		return 0, err
	}
	a.options[id] = &Option{
		ID:                  id,
		Symbol:              spec.Symbol,
		Series:              s.ID,
		Future:              s.Future,
		Type:                spec.Type,
		Strike:              spec.Strike,
		PriceStep:           spec.PriceStep,
		PermanentlyIlliquid: spec.PermanentlyIlliquid,
		Obligation:          spec.Obligation,
	}
	s.Options = append(s.Options, id)
	return id, nil
}

// Future returns a copy of a future.
func (a *Arena) Future(id models.SecurityID) (Future, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.futures[id]
	if !ok {
		return Future{}, false
	}
	out := *f
	out.Series = append([]models.SecurityID(nil), f.Series...)
	return out, true
}

// Series returns a copy of a series.
func (a *Arena) Series(id models.SecurityID) (Series, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.series[id]
	if !ok {
		return Series{}, false
	}
	out := *s
	out.Options = append([]models.SecurityID(nil), s.Options...)
	return out, true
}

// Option returns a copy of an option.
func (a *Arena) Option(id models.SecurityID) (Option, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	o, ok := a.options[id]
	if !ok {
		return Option{}, false
	}
	return *o, true
}

// Lookup resolves a symbol to its id.
func (a *Arena) Lookup(symbol string) (models.SecurityID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.bySymbol[symbol]
	return id, ok
}

// Resolve returns an option with its series and future, checking that the
// parent links agree.
func (a *Arena) Resolve(id models.SecurityID) (Option, Series, Future, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	o, ok := a.options[id]
	if !ok {
		return Option{}, Series{}, Future{}, fmt.Errorf("%w: option %d", errors.ErrUnknownSecurity, id)
	}
	s, ok := a.series[o.Series]
	if !ok {
		return Option{}, Series{}, Future{}, fmt.Errorf("%w: series %d of option %d", errors.ErrUnknownSecurity, o.Series, id)
	}
	f, ok := a.futures[s.Future]
	if !ok || s.Future != o.Future {
		return Option{}, Series{}, Future{}, fmt.Errorf("%w: option %d future %d, series future %d",
			errors.ErrParentMismatch, id, o.Future, s.Future)
	}
	return *o, *s, *f, nil
}

// OptionIDs returns every option id in insertion order.
func (a *Arena) OptionIDs() []models.SecurityID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]models.SecurityID, 0, len(a.options))
	for id := models.SecurityID(1); id <= a.next; id++ {
		if _, ok := a.options[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// SeriesIDs returns every series id in insertion order.
func (a *Arena) SeriesIDs() []models.SecurityID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]models.SecurityID, 0, len(a.series))
	for id := models.SecurityID(1); id <= a.next; id++ {
		if _, ok := a.series[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// OptionsOfFuture returns the options of every series of a future.
func (a *Arena) OptionsOfFuture(future models.SecurityID) []models.SecurityID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f, ok := a.futures[future]
	if !ok {
		return nil
	}
	var ids []models.SecurityID
	for _, sid := range f.Series {
		if s, ok := a.series[sid]; ok {
			ids = append(ids, s.Options...)
		}
	}
	return ids
}
