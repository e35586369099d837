package domain

import (
	"time"

	"github.com/google/uuid"
)

// Association is one version row of a many-to-many link between two
// identities. The row carries its own validity interval, independent of the
// endpoint versions' intervals. Both sides reference identities, never
// version ids, so a link survives cloning of either endpoint and resolves
// to concrete versions only at query time.
type Association struct {
	ID            uuid.UUID `json:"id"`
	Relation      string    `json:"relation"`
	LeftIdentity  uuid.UUID `json:"left_identity"`
	RightIdentity uuid.UUID `json:"right_identity"`
	StartDate     time.Time `json:"version_start_date"`
	EndDate       EndDate   `json:"-"`
}

// NewAssociationAt creates an open association row starting at now.
func NewAssociationAt(now time.Time, relation string, left, right uuid.UUID) Association {
	return Association{
		ID:            uuid.New(),
		Relation:      relation,
		LeftIdentity:  left,
		RightIdentity: right,
		StartDate:     now,
		EndDate:       Open(),
	}
}

// IsCurrent reports whether the link is still open.
func (a Association) IsCurrent() bool {
	return a.EndDate.IsOpen()
}

// ValidAt reports whether the link was in effect at t.
func (a Association) ValidAt(t time.Time) bool {
	return AsOf(t).Matches(a.StartDate, a.EndDate)
}
