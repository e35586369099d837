package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-db/chronicle/internal/domain"
)

func closedEntity(now time.Time) domain.Entity {
	entity := domain.NewEntityAt(now, "person", map[string]any{"name": "A"})
	entity.EndDate = domain.ClosedAt(now.Add(time.Hour))
	return entity
}

func TestCreateRejectsClosedVersion(t *testing.T) {
	repo := &entityRepository{now: defaultClock}

	_, err := repo.Create(context.Background(), closedEntity(time.Now().UTC()))

	var invalid *domain.InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidVersionError, got %v", err)
	}
}

func TestCreateRejectsLaterVersions(t *testing.T) {
	repo := &entityRepository{now: defaultClock}

	entity := domain.NewEntityAt(time.Now().UTC(), "person", nil)
	entity.StartDate = entity.BirthDate.Add(time.Hour)

	if _, err := repo.Create(context.Background(), entity); err == nil {
		t.Fatal("expected error for a non-first version")
	}
}

func TestUpdateRejectsClosedVersion(t *testing.T) {
	repo := &entityRepository{now: defaultClock}

	_, err := repo.Update(context.Background(), closedEntity(time.Now().UTC()))

	var invalid *domain.InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidVersionError, got %v", err)
	}
}

func TestCloneRejectsClosedVersion(t *testing.T) {
	repo := &entityRepository{now: defaultClock}

	_, err := repo.Clone(context.Background(), closedEntity(time.Now().UTC()))

	var invalid *domain.InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidVersionError, got %v", err)
	}
}

func TestDeleteRejectsClosedVersion(t *testing.T) {
	repo := &entityRepository{now: defaultClock}

	err := repo.Delete(context.Background(), closedEntity(time.Now().UTC()))

	var invalid *domain.InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidVersionError, got %v", err)
	}
}

func TestRestoreRejectsOpenVersion(t *testing.T) {
	repo := &entityRepository{now: defaultClock}

	_, err := repo.Restore(context.Background(), domain.NewEntityAt(time.Now().UTC(), "person", nil))

	var invalid *domain.InvalidVersionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidVersionError, got %v", err)
	}
}

func TestCloneBuildsContiguousHistory(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	repo := NewEntityRepository(conn, WithClock(clk.Now))
	ctx := context.Background()

	v1, err := repo.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t1 := clk.Advance(time.Hour)
	v2, err := repo.Clone(ctx, v1)
	if err != nil {
		t.Fatalf("clone v1: %v", err)
	}
	if _, err := repo.Update(ctx, v2.WithProperty("name", "B")); err != nil {
		t.Fatalf("update v2: %v", err)
	}

	t2 := clk.Advance(time.Hour)
	v3, err := repo.Clone(ctx, v2)
	if err != nil {
		t.Fatalf("clone v2: %v", err)
	}
	if _, err := repo.Update(ctx, v3.WithProperty("name", "C")); err != nil {
		t.Fatalf("update v3: %v", err)
	}

	history, err := repo.History(ctx, v1.Identity)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(history))
	}
	for i, version := range history {
		if version.Identity != v1.Identity {
			t.Errorf("version %d has identity %s, want %s", i, version.Identity, v1.Identity)
		}
		if !version.BirthDate.Equal(v1.BirthDate) {
			t.Errorf("version %d has birth %s, want %s", i, version.BirthDate, v1.BirthDate)
		}
	}
	if end, _ := history[0].EndDate.Time(); !end.Equal(t1) {
		t.Errorf("first version ends at %s, want %s", end, t1)
	}
	if !history[1].StartDate.Equal(t1) {
		t.Errorf("second version starts at %s, want %s", history[1].StartDate, t1)
	}
	if end, _ := history[1].EndDate.Time(); !end.Equal(t2) {
		t.Errorf("second version ends at %s, want %s", end, t2)
	}
	if !history[2].StartDate.Equal(t2) || !history[2].IsCurrent() {
		t.Errorf("third version should be open from %s: %+v", t2, history[2])
	}

	mid := t1.Add(30 * time.Minute)
	atMid, err := repo.GetByIdentity(ctx, v1.Identity, domain.AsOf(mid))
	if err != nil {
		t.Fatalf("get as of %s: %v", mid, err)
	}
	if atMid.Properties["name"] != "B" {
		t.Errorf("as-of %s resolved %v, want B", mid, atMid.Properties["name"])
	}
	if pinned, ok := atMid.AsOf.Time(); !ok || !pinned.Equal(mid) {
		t.Errorf("as-of result should carry the query time, got %v", atMid.AsOf)
	}

	current, err := repo.GetByIdentity(ctx, v1.Identity, domain.Current())
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.Properties["name"] != "C" {
		t.Errorf("current resolved %v, want C", current.Properties["name"])
	}

	before := v1.BirthDate.Add(-time.Minute)
	_, err = repo.GetByIdentity(ctx, v1.Identity, domain.AsOf(before))
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError before birth, got %v", err)
	}
}

func TestCloneDetectsConcurrentModification(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	repo := NewEntityRepository(conn, WithClock(clk.Now))
	ctx := context.Background()

	v1, err := repo.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Advance(time.Hour)
	if _, err := repo.Clone(ctx, v1); err != nil {
		t.Fatalf("first clone: %v", err)
	}

	clk.Advance(time.Hour)
	_, err = repo.Clone(ctx, v1)
	var conflict *domain.ConcurrentModificationError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale clone should conflict, got %v", err)
	}

	history, err := repo.History(ctx, v1.Identity)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("failed clone must not leave rows behind, history has %d versions", len(history))
	}
}

func TestDeleteTerminatesIdentity(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	repo := NewEntityRepository(conn, WithClock(clk.Now))
	ctx := context.Background()

	v1, err := repo.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deletedAt := clk.Advance(time.Hour)
	if err := repo.Delete(ctx, v1); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, err = repo.GetByIdentity(ctx, v1.Identity, domain.Current())
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("deleted identity should have no current version, got %v", err)
	}

	past, err := repo.GetByIdentity(ctx, v1.Identity, domain.AsOf(v1.StartDate))
	if err != nil {
		t.Fatalf("deleted identity must stay queryable in the past: %v", err)
	}
	if end, _ := past.EndDate.Time(); !end.Equal(deletedAt) {
		t.Errorf("final version ends at %s, want %s", end, deletedAt)
	}
}

func TestRestoreReopensClosedVersion(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	repo := NewEntityRepository(conn, WithClock(clk.Now))
	ctx := context.Background()

	v1, err := repo.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Advance(time.Hour)
	v2, err := repo.Clone(ctx, v1)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if _, err := repo.Update(ctx, v2.WithProperty("name", "B")); err != nil {
		t.Fatalf("update: %v", err)
	}

	closed, err := repo.GetByID(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get closed version: %v", err)
	}

	restoredAt := clk.Advance(time.Hour)
	restored, err := repo.Restore(ctx, closed)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Properties["name"] != "A" {
		t.Errorf("restored payload is %v, want the closed version's payload", restored.Properties["name"])
	}
	if !restored.StartDate.Equal(restoredAt) || !restored.IsCurrent() {
		t.Errorf("restored version should be open from %s: %+v", restoredAt, restored)
	}

	current, err := repo.GetByIdentity(ctx, v1.Identity, domain.Current())
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.ID != restored.ID {
		t.Errorf("current version is %s, want restored %s", current.ID, restored.ID)
	}

	history, err := repo.History(ctx, v1.Identity)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions after restore, got %d", len(history))
	}
	if end, _ := history[1].EndDate.Time(); !end.Equal(restoredAt) {
		t.Errorf("superseded version ends at %s, want restore instant %s", end, restoredAt)
	}
}

func TestListFiltersByTypeAndProperties(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	repo := NewEntityRepository(conn, WithClock(clk.Now))
	ctx := context.Background()

	marker := uuid.NewString()
	for _, color := range []string{"red", "red", "blue"} {
		entity := domain.NewEntityAt(clk.Now(), "widget", map[string]any{"marker": marker, "color": color})
		if _, err := repo.Create(ctx, entity); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	entities, total, err := repo.List(ctx, ListOptions{
		EntityType:     "widget",
		PropertyEquals: map[string]string{"marker": marker, "color": "red"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(entities) != 2 {
		t.Fatalf("expected 2 red widgets, got %d of %d", len(entities), total)
	}
	for _, entity := range entities {
		if entity.Properties["color"] != "red" {
			t.Errorf("filter leaked entity with color %v", entity.Properties["color"])
		}
	}

	_, total, err = repo.List(ctx, ListOptions{
		EntityType:     "widget",
		PropertyEquals: map[string]string{"marker": marker},
		Limit:          1,
	})
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if total != 3 {
		t.Errorf("count must ignore the page size, got %d", total)
	}
}

func TestVersionNavigation(t *testing.T) {
	conn := testConnection(t)
	clk := newTestClock()
	repo := NewEntityRepository(conn, WithClock(clk.Now))
	ctx := context.Background()

	v1, err := repo.Create(ctx, domain.NewEntityAt(clk.Now(), "person", map[string]any{"name": "A"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t1 := clk.Advance(time.Hour)
	v2, err := repo.Clone(ctx, v1)
	if err != nil {
		t.Fatalf("clone v1: %v", err)
	}
	clk.Advance(time.Hour)
	v3, err := repo.Clone(ctx, v2)
	if err != nil {
		t.Fatalf("clone v2: %v", err)
	}

	middle, err := repo.GetByID(ctx, v2.ID)
	if err != nil {
		t.Fatalf("get middle version: %v", err)
	}

	previous, err := repo.PreviousVersion(ctx, middle, domain.RelationsAsOfEnd())
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if previous.ID != v1.ID {
		t.Errorf("previous of v2 is %s, want v1 %s", previous.ID, v1.ID)
	}
	if pinned, ok := previous.AsOf.Time(); !ok || !pinned.Equal(t1.Add(-domain.VersionTick)) {
		t.Errorf("closed version should pin relations one tick before its end, got %v", previous.AsOf)
	}

	next, err := repo.NextVersion(ctx, middle, domain.RelationsAsOfEnd())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != v3.ID {
		t.Errorf("next of v2 is %s, want v3 %s", next.ID, v3.ID)
	}
	if !next.AsOf.IsCurrent() {
		t.Errorf("open version should pin relations at current, got %v", next.AsOf)
	}

	first, err := repo.GetByID(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get first version: %v", err)
	}
	selfPrevious, err := repo.PreviousVersion(ctx, first, domain.RelationsAsOfEnd())
	if err != nil {
		t.Fatalf("previous of first: %v", err)
	}
	if selfPrevious.ID != v1.ID {
		t.Errorf("previous of the first version is itself, got %s", selfPrevious.ID)
	}

	selfNext, err := repo.NextVersion(ctx, v3, domain.RelationsAsOfEnd())
	if err != nil {
		t.Fatalf("next of current: %v", err)
	}
	if selfNext.ID != v3.ID {
		t.Errorf("next of the open version is itself, got %s", selfNext.ID)
	}

	current, err := repo.CurrentVersion(ctx, first, domain.RelationsAsOfEnd())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.ID != v3.ID {
		t.Errorf("current of the chain is %s, want v3 %s", current.ID, v3.ID)
	}
}
