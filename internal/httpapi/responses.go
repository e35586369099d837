package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/chronicle-db/chronicle/internal/domain"
)

type entityJSON struct {
	ID         uuid.UUID      `json:"id"`
	Identity   uuid.UUID      `json:"identity"`
	EntityType string         `json:"entity_type"`
	Properties map[string]any `json:"properties"`
	BirthDate  time.Time      `json:"version_birth_date"`
	StartDate  time.Time      `json:"version_start_date"`
	EndDate    *time.Time     `json:"version_end_date"`
	Current    bool           `json:"current"`
}

func toEntityJSON(entity domain.Entity) entityJSON {
	out := entityJSON{
		ID:         entity.ID,
		Identity:   entity.Identity,
		EntityType: entity.EntityType,
		Properties: entity.Properties,
		BirthDate:  entity.BirthDate,
		StartDate:  entity.StartDate,
		Current:    entity.IsCurrent(),
	}
	if end, closed := entity.EndDate.Time(); closed {
		out.EndDate = &end
	}
	return out
}

func toEntityListJSON(entities []domain.Entity) []entityJSON {
	out := make([]entityJSON, 0, len(entities))
	for _, entity := range entities {
		out = append(out, toEntityJSON(entity))
	}
	return out
}

type associationJSON struct {
	ID            uuid.UUID  `json:"id"`
	Relation      string     `json:"relation"`
	LeftIdentity  uuid.UUID  `json:"left_identity"`
	RightIdentity uuid.UUID  `json:"right_identity"`
	StartDate     time.Time  `json:"version_start_date"`
	EndDate       *time.Time `json:"version_end_date"`
	Current       bool       `json:"current"`
}

func toAssociationJSON(association domain.Association) associationJSON {
	out := associationJSON{
		ID:            association.ID,
		Relation:      association.Relation,
		LeftIdentity:  association.LeftIdentity,
		RightIdentity: association.RightIdentity,
		StartDate:     association.StartDate,
		Current:       association.IsCurrent(),
	}
	if end, closed := association.EndDate.Time(); closed {
		out.EndDate = &end
	}
	return out
}
