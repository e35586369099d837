package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InvalidVersionError reports an operation that requires the current (open)
// version but was invoked on a historic one.
type InvalidVersionError struct {
	Op string
	ID uuid.UUID
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("%s requires the current version, %s is historic", e.Op, e.ID)
}

// ForbiddenOperationError reports a relationship mutation attempted through
// a non-current version.
type ForbiddenOperationError struct {
	Op       string
	Identity uuid.UUID
}

func (e *ForbiddenOperationError) Error() string {
	return fmt.Sprintf("%s is only allowed on the current version of %s", e.Op, e.Identity)
}

// RangeError reports an explicit timestamp falling outside the validity
// interval it must be contained in.
type RangeError struct {
	At    time.Time
	Start time.Time
	End   EndDate
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("time %s is outside the version interval [%s, %s)",
		e.At.Format(time.RFC3339Nano), e.Start.Format(time.RFC3339Nano), e.End)
}

// ConcurrentModificationError reports a lost race: the row targeted by the
// close-current-open-new guard was no longer the open version.
type ConcurrentModificationError struct {
	Identity uuid.UUID
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("version of %s was superseded concurrently", e.Identity)
}

// NotFoundError reports that no version of the identity exists at the
// requested time.
type NotFoundError struct {
	Identity uuid.UUID
	At       QueryTime
}

func (e *NotFoundError) Error() string {
	if t, ok := e.At.Time(); ok {
		return fmt.Sprintf("no version of %s exists at %s", e.Identity, t.Format(time.RFC3339Nano))
	}
	if e.At.IsCurrent() {
		return fmt.Sprintf("no current version of %s exists", e.Identity)
	}
	return fmt.Sprintf("no version of %s exists", e.Identity)
}
