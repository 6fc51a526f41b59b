// Package curve fits per-series volatility smiles from staged windows of
// per-strike IV observations and publishes the series curve status.
package curve

import (
	"slices"
	"time"

	"options-mm/internal/models"
)

// Entry is one strike's contribution to a curve window.
type Entry struct {
	Option     models.SecurityID
	Moneyness  float64 // log-moneyness, the fit's x
	IVBid      float64
	IVOffer    float64
	InsertedAt time.Time
	Slot       int
}

// Window is a fixed-capacity slot array of entries. Once full, each insert
// replaces the single oldest entry.
type Window struct {
	slots []Entry
	used  []bool
	n     int
}

// NewWindow creates an empty window of the given capacity.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		slots: make([]Entry, capacity),
		used:  make([]bool, capacity),
	}
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.slots) }

// Len returns the number of entries held.
func (w *Window) Len() int { return w.n }

// Full reports whether every slot is used.
func (w *Window) Full() bool { return w.n == len(w.slots) }

// Empty reports whether no slot is used.
func (w *Window) Empty() bool { return w.n == 0 }

// Insert stores e in the first free slot, or, when full, in the slot of the
// oldest entry (lowest slot on ties). The evicted entry is returned.
func (w *Window) Insert(e Entry) (evicted Entry, ok bool) {
	slot := -1
	for i, u := range w.used {
		if !u {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = 0
		for i := 1; i < len(w.slots); i++ {
			if w.slots[i].InsertedAt.Before(w.slots[slot].InsertedAt) {
				slot = i
			}
		}
		evicted, ok = w.slots[slot], true
	} else {
		w.used[slot] = true
		w.n++
	}
	e.Slot = slot
	w.slots[slot] = e
	return evicted, ok
}

// Entries returns a copy of the held entries in slot order.
func (w *Window) Entries() []Entry {
	out := make([]Entry, 0, w.n)
	for i, u := range w.used {
		if u {
			out = append(out, w.slots[i])
		}
	}
	return out
}

// Since returns the held entries inserted strictly after t.
func (w *Window) Since(t time.Time) []Entry {
	var out []Entry
	for i, u := range w.used {
		if u && w.slots[i].InsertedAt.After(t) {
			out = append(out, w.slots[i])
		}
	}
	return out
}

// Clear empties the window.
func (w *Window) Clear() {
	for i := range w.slots {
		w.slots[i] = Entry{}
		w.used[i] = false
	}
	w.n = 0
}

// Resize changes the capacity, keeping the newest entries that still fit.
func (w *Window) Resize(capacity int) {
	entries := w.Entries()
	*w = *NewWindow(capacity)
	slices.SortStableFunc(entries, func(a, b Entry) int { return a.InsertedAt.Compare(b.InsertedAt) })
	if len(entries) > w.Cap() {
		entries = entries[len(entries)-w.Cap():]
	}
	for _, e := range entries {
		w.Insert(e)
	}
}
