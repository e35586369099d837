package domain

import (
	"time"
)

// VersionTick is the smallest representable interval step. It matches the
// microsecond resolution of a PostgreSQL timestamptz column, so pinning a
// closed version to "end minus one tick" lands on a storable instant.
const VersionTick = time.Microsecond

// EndDate is the upper bound of a version's validity interval. It is either
// open (the version is current) or closed at a specific instant. Modelling
// this as a two-state value instead of a nullable timestamp forces callers
// to handle both cases.
type EndDate struct {
	at     time.Time
	closed bool
}

// Open returns the end date of a current version.
func Open() EndDate {
	return EndDate{}
}

// ClosedAt returns an end date terminating a version at t.
func ClosedAt(t time.Time) EndDate {
	return EndDate{at: t, closed: true}
}

// IsOpen reports whether the version is still current.
func (d EndDate) IsOpen() bool {
	return !d.closed
}

// Time returns the closing instant. The boolean is false for an open end
// date, in which case the timestamp is the zero value.
func (d EndDate) Time() (time.Time, bool) {
	if !d.closed {
		return time.Time{}, false
	}
	return d.at, true
}

func (d EndDate) String() string {
	if !d.closed {
		return "open"
	}
	return d.at.Format(time.RFC3339Nano)
}

type queryTimeMode int

const (
	queryTimeCurrent queryTimeMode = iota
	queryTimeAsOf
	queryTimeUnrestricted
)

// QueryTime pins a query to a point in time. The zero value selects current
// versions only, which keeps the common "work with live data" case the
// implicit default.
type QueryTime struct {
	mode queryTimeMode
	at   time.Time
}

// Current restricts a query to open versions.
func Current() QueryTime {
	return QueryTime{}
}

// AsOf restricts a query to the versions valid at t.
func AsOf(t time.Time) QueryTime {
	return QueryTime{mode: queryTimeAsOf, at: t}
}

// Unrestricted disables temporal filtering entirely, returning every
// version ever written.
func Unrestricted() QueryTime {
	return QueryTime{mode: queryTimeUnrestricted}
}

// IsCurrent reports whether the query time selects open versions only.
func (qt QueryTime) IsCurrent() bool {
	return qt.mode == queryTimeCurrent
}

// IsUnrestricted reports whether temporal filtering is disabled.
func (qt QueryTime) IsUnrestricted() bool {
	return qt.mode == queryTimeUnrestricted
}

// Time returns the pinned instant and whether one is set.
func (qt QueryTime) Time() (time.Time, bool) {
	if qt.mode != queryTimeAsOf {
		return time.Time{}, false
	}
	return qt.at, true
}

// String renders the query time for logs and cache keys.
func (qt QueryTime) String() string {
	switch qt.mode {
	case queryTimeUnrestricted:
		return "unrestricted"
	case queryTimeAsOf:
		return qt.at.Format(time.RFC3339Nano)
	default:
		return "current"
	}
}

// Matches reports whether a version interval satisfies the query time. It
// is the in-memory equivalent of the SQL predicate the temporal package
// injects per table.
func (qt QueryTime) Matches(start time.Time, end EndDate) bool {
	switch qt.mode {
	case queryTimeUnrestricted:
		return true
	case queryTimeCurrent:
		return end.IsOpen()
	default:
		if start.After(qt.at) {
			return false
		}
		closedAt, closed := end.Time()
		return !closed || closedAt.After(qt.at)
	}
}

type relationsAsOfMode int

const (
	relationsAsOfEnd relationsAsOfMode = iota
	relationsAsOfStart
	relationsAsOfTime
	relationsAsOfUnrestricted
)

// RelationsAsOf selects the reference time used when the relationship
// fields of a returned version are traversed. The zero value is End: for a
// closed version relations are read as of the instant just before the
// version ended, for an open version as of "current".
type RelationsAsOf struct {
	mode relationsAsOfMode
	at   time.Time
}

// RelationsAsOfEnd reads relations as they were just before the version
// ended, or current relations for an open version. This is the default.
func RelationsAsOfEnd() RelationsAsOf {
	return RelationsAsOf{}
}

// RelationsAsOfStart reads relations as of the version's start date.
func RelationsAsOfStart() RelationsAsOf {
	return RelationsAsOf{mode: relationsAsOfStart}
}

// RelationsAt reads relations as of an explicit instant, which must lie
// inside the version's validity interval.
func RelationsAt(t time.Time) RelationsAsOf {
	return RelationsAsOf{mode: relationsAsOfTime, at: t}
}

// RelationsUnrestricted disables temporal filtering on relations, returning
// every relationship the identity ever held.
func RelationsUnrestricted() RelationsAsOf {
	return RelationsAsOf{mode: relationsAsOfUnrestricted}
}

// Resolve computes the QueryTime relation traversals should use for a
// version with the given interval. An explicit instant outside
// [start, end) fails with a RangeError.
func (r RelationsAsOf) Resolve(start time.Time, end EndDate) (QueryTime, error) {
	switch r.mode {
	case relationsAsOfUnrestricted:
		return Unrestricted(), nil
	case relationsAsOfStart:
		return AsOf(start), nil
	case relationsAsOfTime:
		if r.at.Before(start) {
			return QueryTime{}, &RangeError{At: r.at, Start: start, End: end}
		}
		if closedAt, closed := end.Time(); closed && !r.at.Before(closedAt) {
			return QueryTime{}, &RangeError{At: r.at, Start: start, End: end}
		}
		return AsOf(r.at), nil
	default:
		if closedAt, closed := end.Time(); closed {
			return AsOf(closedAt.Add(-VersionTick)), nil
		}
		return Current(), nil
	}
}
