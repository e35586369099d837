package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewEntityStartsOpenWithMatchingDates(t *testing.T) {
	e := NewEntity("club", map[string]any{"name": "A"})

	if e.ID == uuid.Nil || e.Identity == uuid.Nil {
		t.Fatal("expected non-nil id and identity")
	}
	if !e.IsCurrent() {
		t.Error("new entity should be the current version")
	}
	if !e.IsFirstVersion() {
		t.Error("new entity should be the first version of its identity")
	}
	if !e.BirthDate.Equal(e.StartDate) {
		t.Errorf("birth date %s != start date %s", e.BirthDate, e.StartDate)
	}
}

func TestWithPropertyDoesNotMutateOriginal(t *testing.T) {
	e := NewEntity("club", map[string]any{"name": "A"})
	modified := e.WithProperty("name", "B").WithProperty("city", "Bern")

	if e.Properties["name"] != "A" {
		t.Errorf("original payload mutated: %v", e.Properties)
	}
	if modified.Properties["name"] != "B" || modified.Properties["city"] != "Bern" {
		t.Errorf("unexpected modified payload: %v", modified.Properties)
	}
	if _, ok := e.Properties["city"]; ok {
		t.Error("property leaked into original payload")
	}
}

func TestValidAt(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	e := NewEntityAt(start, "club", nil)
	e.EndDate = ClosedAt(end)

	if e.ValidAt(start.Add(-time.Second)) {
		t.Error("valid before start")
	}
	if !e.ValidAt(start) {
		t.Error("not valid at start")
	}
	if !e.ValidAt(end.Add(-time.Second)) {
		t.Error("not valid just before end")
	}
	if e.ValidAt(end) {
		t.Error("valid at end, interval must be half-open")
	}
}

func TestReferenceProperty(t *testing.T) {
	target := uuid.New()
	e := NewEntity("person", map[string]any{
		"team":  target.String(),
		"name":  "P",
		"count": 3,
	})

	if got, ok := e.ReferenceProperty("team"); !ok || got != target {
		t.Errorf("ReferenceProperty(team) = %v, %v", got, ok)
	}
	if _, ok := e.ReferenceProperty("name"); ok {
		t.Error("non-uuid string must not resolve as reference")
	}
	if _, ok := e.ReferenceProperty("count"); ok {
		t.Error("numeric property must not resolve as reference")
	}
	if _, ok := e.ReferenceProperty("missing"); ok {
		t.Error("absent property must not resolve as reference")
	}
}

func TestPropertiesJSONRoundTrip(t *testing.T) {
	e := NewEntity("club", map[string]any{"name": "A", "founded": float64(1891)})

	raw, err := e.PropertiesJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := PropertiesFromJSON(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["name"] != "A" || decoded["founded"] != float64(1891) {
		t.Errorf("unexpected payload after round trip: %v", decoded)
	}
}

func TestPropertiesJSONNilPayload(t *testing.T) {
	var e Entity
	raw, err := e.PropertiesJSON()
	if err != nil {
		t.Fatalf("marshal nil payload: %v", err)
	}
	if string(raw) != "{}" {
		t.Errorf("nil payload marshalled as %s", raw)
	}
}
