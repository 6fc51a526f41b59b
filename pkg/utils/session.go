package utils

import (
	"time"
)

// SessionStatus is the state of a trading session.
type SessionStatus string

const (
	SessionClosed SessionStatus = "CLOSED"
	SessionOpen   SessionStatus = "OPEN"
)

// Session is a daily trading session in a fixed location. Open and Close are
// offsets from local midnight; weekends are closed.
type Session struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
}

// MoscowLocation is the timezone of the derivatives section the defaults
// target.
var MoscowLocation *time.Location

func init() {
	var err error
	MoscowLocation, err = time.LoadLocation("Europe/Moscow")
	if err != nil {
		// Fallback to UTC+3
		MoscowLocation = time.FixedZone("MSK", 3*60*60)
	}
}

// DefaultSession returns the 10:00-23:50 derivatives session.
func DefaultSession() Session {
	return Session{Location: MoscowLocation, Open: 10 * time.Hour, Close: 23*time.Hour + 50*time.Minute}
}

// AlwaysOpen returns a session that never closes.
func AlwaysOpen() Session {
	return Session{Location: time.UTC, Open: 0, Close: 24 * time.Hour}
}

// Status returns the session status at t.
func (s Session) Status(t time.Time) SessionStatus {
	local := t.In(s.location())
	if s.Close-s.Open < 24*time.Hour && (local.Weekday() == time.Saturday || local.Weekday() == time.Sunday) {
		return SessionClosed
	}
	sinceMidnight := local.Sub(midnight(local))
	if sinceMidnight >= s.Open && sinceMidnight < s.Close {
		return SessionOpen
	}
	return SessionClosed
}

// IsOpen reports whether the session is open at t.
func (s Session) IsOpen(t time.Time) bool {
	return s.Status(t) == SessionOpen
}

// NextClose returns the first close at or after t.
func (s Session) NextClose(t time.Time) time.Time {
	local := t.In(s.location())
	next := midnight(local).Add(s.Close)
	if next.Before(local) {
		next = midnight(local.AddDate(0, 0, 1)).Add(s.Close)
	}
	return next
}

func (s Session) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
