package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-db/chronicle/internal/domain"
)

func TestAddRejectsClosedOwner(t *testing.T) {
	repo := &associationRepository{now: defaultClock}
	other := domain.NewEntityAt(time.Now().UTC(), "person", nil)

	err := repo.Add(context.Background(), closedEntity(time.Now().UTC()), "members", other)

	var forbidden *domain.ForbiddenOperationError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenOperationError, got %v", err)
	}
}

func TestAddRejectsClosedTarget(t *testing.T) {
	repo := &associationRepository{now: defaultClock}
	owner := domain.NewEntityAt(time.Now().UTC(), "club", nil)

	err := repo.Add(context.Background(), owner, "members", closedEntity(time.Now().UTC()))

	var invalid *domain.InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidVersionError, got %v", err)
	}
}

func TestRemoveRejectsClosedOwner(t *testing.T) {
	repo := &associationRepository{now: defaultClock}

	err := repo.Remove(context.Background(), closedEntity(time.Now().UTC()), "members", uuid.New())

	var forbidden *domain.ForbiddenOperationError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenOperationError, got %v", err)
	}
}

func TestSetRejectsClosedOwner(t *testing.T) {
	repo := &associationRepository{now: defaultClock}

	err := repo.Set(context.Background(), closedEntity(time.Now().UTC()), "members", nil)

	var forbidden *domain.ForbiddenOperationError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenOperationError, got %v", err)
	}
}

func TestMembershipInterval(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	entities := NewEntityRepository(conn, WithClock(clk.Now))
	associations := NewAssociationRepository(conn, WithAssociationClock(clk.Now))
	ctx := context.Background()

	club, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "club", map[string]any{"name": "chess"}))
	if err != nil {
		t.Fatalf("create club: %v", err)
	}
	person, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	addedAt := clk.Advance(time.Hour)
	if err := associations.Add(ctx, club, "members", person); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Adding the same pair again must not open a second row.
	if err := associations.Add(ctx, club, "members", person); err != nil {
		t.Fatalf("repeated add: %v", err)
	}

	removedAt := clk.Advance(time.Hour)
	if err := associations.Remove(ctx, club, "members", person.Identity); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Removing an absent member is a no-op.
	if err := associations.Remove(ctx, club, "members", person.Identity); err != nil {
		t.Fatalf("repeated remove: %v", err)
	}

	current, err := associations.Members(ctx, club, "members")
	if err != nil {
		t.Fatalf("current members: %v", err)
	}
	if len(current) != 0 {
		t.Errorf("expected no current members, got %d", len(current))
	}

	mid := addedAt.Add(30 * time.Minute)
	clubAtMid, err := entities.GetByIdentity(ctx, club.Identity, domain.AsOf(mid))
	if err != nil {
		t.Fatalf("club as of %s: %v", mid, err)
	}
	members, err := associations.Members(ctx, clubAtMid, "members")
	if err != nil {
		t.Fatalf("members as of %s: %v", mid, err)
	}
	if len(members) != 1 || members[0].Identity != person.Identity {
		t.Fatalf("expected the person as member at %s, got %+v", mid, members)
	}
	if pinned, ok := members[0].AsOf.Time(); !ok || !pinned.Equal(mid) {
		t.Errorf("members must inherit the owner's query time, got %v", members[0].AsOf)
	}

	beforeAdd := club.StartDate.Add(30 * time.Minute)
	clubBefore, err := entities.GetByIdentity(ctx, club.Identity, domain.AsOf(beforeAdd))
	if err != nil {
		t.Fatalf("club as of %s: %v", beforeAdd, err)
	}
	members, err = associations.Members(ctx, clubBefore, "members")
	if err != nil {
		t.Fatalf("members as of %s: %v", beforeAdd, err)
	}
	if len(members) != 0 {
		t.Errorf("expected no members before the add, got %d", len(members))
	}

	rows, err := associations.Associations(ctx, club.Identity, "members", domain.Unrestricted())
	if err != nil {
		t.Fatalf("association rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single association row, got %d", len(rows))
	}
	if !rows[0].StartDate.Equal(addedAt) {
		t.Errorf("row starts at %s, want %s", rows[0].StartDate, addedAt)
	}
	if end, _ := rows[0].EndDate.Time(); !end.Equal(removedAt) {
		t.Errorf("row ends at %s, want %s", end, removedAt)
	}
}

func TestReverseMembers(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	entities := NewEntityRepository(conn, WithClock(clk.Now))
	associations := NewAssociationRepository(conn, WithAssociationClock(clk.Now))
	ctx := context.Background()

	club, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "club", map[string]any{"name": "chess"}))
	if err != nil {
		t.Fatalf("create club: %v", err)
	}
	person, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	clk.Advance(time.Hour)
	if err := associations.Add(ctx, club, "members", person); err != nil {
		t.Fatalf("add: %v", err)
	}

	clubs, err := associations.ReverseMembers(ctx, person, "members")
	if err != nil {
		t.Fatalf("reverse members: %v", err)
	}
	if len(clubs) != 1 || clubs[0].Identity != club.Identity {
		t.Fatalf("expected the club from the person's side, got %+v", clubs)
	}
}

func TestSetReconcilesMembership(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	entities := NewEntityRepository(conn, WithClock(clk.Now))
	associations := NewAssociationRepository(conn, WithAssociationClock(clk.Now))
	ctx := context.Background()

	club, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "club", map[string]any{"name": "chess"}))
	if err != nil {
		t.Fatalf("create club: %v", err)
	}
	var people []domain.Entity
	for _, name := range []string{"A", "B", "C"} {
		person, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": name}))
		if err != nil {
			t.Fatalf("create person %s: %v", name, err)
		}
		people = append(people, person)
	}

	clk.Advance(time.Hour)
	if err := associations.Set(ctx, club, "members", []uuid.UUID{people[0].Identity, people[1].Identity}); err != nil {
		t.Fatalf("first set: %v", err)
	}

	reconciledAt := clk.Advance(time.Hour)
	if err := associations.Set(ctx, club, "members", []uuid.UUID{people[1].Identity, people[2].Identity}); err != nil {
		t.Fatalf("second set: %v", err)
	}

	members, err := associations.Members(ctx, club, "members")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	got := make(map[uuid.UUID]bool, len(members))
	for _, member := range members {
		got[member.Identity] = true
	}
	if len(got) != 2 || !got[people[1].Identity] || !got[people[2].Identity] {
		t.Fatalf("expected B and C as members, got %+v", members)
	}

	rows, err := associations.Associations(ctx, people[0].Identity, "members", domain.Unrestricted())
	if err != nil {
		t.Fatalf("association rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row for the removed member, got %d", len(rows))
	}
	if end, _ := rows[0].EndDate.Time(); !end.Equal(reconciledAt) {
		t.Errorf("removed member's row ends at %s, want %s", end, reconciledAt)
	}
	// The surviving member's row is untouched by reconciliation.
	rows, err = associations.Associations(ctx, people[1].Identity, "members", domain.Current())
	if err != nil {
		t.Fatalf("surviving rows: %v", err)
	}
	if len(rows) != 1 || !rows[0].IsCurrent() {
		t.Fatalf("expected one open row for the kept member, got %+v", rows)
	}
}

func TestClonePropagatesAssociations(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	entities := NewEntityRepository(conn, WithClock(clk.Now))
	associations := NewAssociationRepository(conn, WithAssociationClock(clk.Now))
	ctx := context.Background()

	club, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "club", map[string]any{"name": "chess"}))
	if err != nil {
		t.Fatalf("create club: %v", err)
	}
	person, err := entities.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	addedAt := clk.Advance(time.Hour)
	if err := associations.Add(ctx, club, "members", person); err != nil {
		t.Fatalf("add: %v", err)
	}

	clonedAt := clk.Advance(time.Hour)
	clubV2, err := entities.Clone(ctx, club)
	if err != nil {
		t.Fatalf("clone club: %v", err)
	}

	rows, err := associations.Associations(ctx, club.Identity, "members", domain.Unrestricted())
	if err != nil {
		t.Fatalf("association rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("clone should close and reopen the membership, got %d rows", len(rows))
	}
	if end, _ := rows[0].EndDate.Time(); !rows[0].StartDate.Equal(addedAt) || !end.Equal(clonedAt) {
		t.Errorf("closed row spans [%s, %v), want [%s, %s)", rows[0].StartDate, rows[0].EndDate, addedAt, clonedAt)
	}
	if !rows[1].StartDate.Equal(clonedAt) || !rows[1].IsCurrent() {
		t.Errorf("reopened row should be open from %s, got %+v", clonedAt, rows[1])
	}

	members, err := associations.Members(ctx, clubV2, "members")
	if err != nil {
		t.Fatalf("members of the new version: %v", err)
	}
	if len(members) != 1 || members[0].Identity != person.Identity {
		t.Fatalf("new version should keep its members, got %+v", members)
	}

	mid := addedAt.Add(30 * time.Minute)
	oldClub, err := entities.GetByIdentity(ctx, club.Identity, domain.AsOf(mid))
	if err != nil {
		t.Fatalf("club as of %s: %v", mid, err)
	}
	members, err = associations.Members(ctx, oldClub, "members")
	if err != nil {
		t.Fatalf("members as of %s: %v", mid, err)
	}
	if len(members) != 1 {
		t.Fatalf("old version should still see its members, got %d", len(members))
	}
}
