// Package window models the optional [starts_at, ends_at) validity windows
// shared by catalogs, assignments, price records and rules.
package window

import (
	"slices"
	"time"
)

// Window is a half-open validity interval. A nil bound is unbounded.
type Window struct {
	StartsAt *time.Time
	EndsAt   *time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.StartsAt != nil && t.Before(*w.StartsAt) {
		return false
	}
	if w.EndsAt != nil && !t.Before(*w.EndsAt) {
		return false
	}
	return true
}

// Bounds returns the non-nil boundaries of the window.
func (w Window) Bounds() []time.Time {
	var out []time.Time
	if w.StartsAt != nil {
		out = append(out, *w.StartsAt)
	}
	if w.EndsAt != nil {
		out = append(out, *w.EndsAt)
	}
	return out
}

// Boundaries collects the distinct boundaries of all windows in ascending order.
func Boundaries(ws ...Window) []time.Time {
	var out []time.Time
	for _, w := range ws {
		out = append(out, w.Bounds()...)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(out, func(a, b time.Time) bool { return a.Equal(b) })
}

// Next returns the earliest boundary strictly after t.
func Next(bounds []time.Time, t time.Time) (time.Time, bool) {
	for _, b := range bounds {
		if b.After(t) {
			return b, true
		}
	}
	return time.Time{}, false
}

// AnyWithin reports whether any boundary lies in (from, to).
func AnyWithin(bounds []time.Time, from, to time.Time) bool {
	for _, b := range bounds {
		if b.After(from) && b.Before(to) {
			return true
		}
	}
	return false
}
