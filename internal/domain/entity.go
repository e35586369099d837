package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entity is one version row of a tracked entity. ID is unique per version,
// Identity is shared by every version of the same logical entity. A version
// is valid over [StartDate, EndDate); an open EndDate marks the current
// version. Closed versions are immutable evidence of past state.
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	Identity   uuid.UUID      `json:"identity"`
	EntityType string         `json:"entity_type"`
	Properties map[string]any `json:"properties"`
	BirthDate  time.Time      `json:"version_birth_date"`
	StartDate  time.Time      `json:"version_start_date"`
	EndDate    EndDate        `json:"-"`

	// AsOf pins the reference time used when this version's relationship
	// fields are traversed. Set by the navigation helpers, never persisted.
	AsOf QueryTime `json:"-"`
}

// NewEntity creates the first version of a new identity: fresh id and
// identity, birth and start dates set to now, open interval.
func NewEntity(entityType string, properties map[string]any) Entity {
	return NewEntityAt(time.Now().UTC(), entityType, properties)
}

// NewEntityAt is NewEntity with an explicit creation instant. Mostly useful
// for building realistic historical fixtures in tests.
func NewEntityAt(now time.Time, entityType string, properties map[string]any) Entity {
	return Entity{
		ID:         uuid.New(),
		Identity:   uuid.New(),
		EntityType: entityType,
		Properties: copyProperties(properties),
		BirthDate:  now,
		StartDate:  now,
		EndDate:    Open(),
	}
}

// IsCurrent reports whether this is the open version of its identity, based
// on in-memory state only.
func (e Entity) IsCurrent() bool {
	return e.EndDate.IsOpen()
}

// IsFirstVersion reports whether this version starts the identity's history.
func (e Entity) IsFirstVersion() bool {
	return e.BirthDate.Equal(e.StartDate)
}

// ValidAt reports whether this version was valid at t.
func (e Entity) ValidAt(t time.Time) bool {
	return AsOf(t).Matches(e.StartDate, e.EndDate)
}

// WithProperty returns a copy of the entity with one payload property
// added or replaced.
func (e Entity) WithProperty(key string, value any) Entity {
	properties := copyProperties(e.Properties)
	properties[key] = value
	e.Properties = properties
	return e
}

// WithoutProperty returns a copy of the entity without the given property.
func (e Entity) WithoutProperty(key string) Entity {
	properties := copyProperties(e.Properties)
	delete(properties, key)
	e.Properties = properties
	return e
}

// WithProperties returns a copy of the entity with the payload replaced.
func (e Entity) WithProperties(properties map[string]any) Entity {
	e.Properties = copyProperties(properties)
	return e
}

// ReferenceProperty reads an identity-valued payload property, the shape a
// foreign key takes in this model. The boolean is false when the property
// is absent or does not hold a UUID.
func (e Entity) ReferenceProperty(key string) (uuid.UUID, bool) {
	raw, ok := e.Properties[key]
	if !ok {
		return uuid.Nil, false
	}
	switch v := raw.(type) {
	case uuid.UUID:
		return v, true
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, false
		}
		return id, true
	default:
		return uuid.Nil, false
	}
}

// PropertiesJSON marshals the payload for JSONB storage.
func (e Entity) PropertiesJSON() (json.RawMessage, error) {
	if e.Properties == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(e.Properties)
}

// PropertiesFromJSON decodes a JSONB payload column.
func PropertiesFromJSON(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var properties map[string]any
	err := json.Unmarshal(raw, &properties)
	return properties, err
}

func copyProperties(properties map[string]any) map[string]any {
	copied := make(map[string]any, len(properties))
	for k, v := range properties {
		copied[k] = v
	}
	return copied
}
