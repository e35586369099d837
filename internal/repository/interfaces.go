package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/chronicle-db/chronicle/internal/domain"
)

// ListOptions narrows a List call. PropertyEquals filters on payload
// properties; a zero QueryTime means current versions.
type ListOptions struct {
	EntityType     string
	At             domain.QueryTime
	PropertyEquals map[string]string
	Limit          int
	Offset         int
}

// EntityRepository is the version store for entities: creation, payload
// updates of the open version, the clone operation, soft delete, restore
// and version navigation.
type EntityRepository interface {
	Create(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Update(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Clone(ctx context.Context, entity domain.Entity) (domain.Entity, error)
	Delete(ctx context.Context, entity domain.Entity) error
	Restore(ctx context.Context, entity domain.Entity) (domain.Entity, error)

	GetByID(ctx context.Context, id uuid.UUID) (domain.Entity, error)
	GetByIdentity(ctx context.Context, identity uuid.UUID, at domain.QueryTime) (domain.Entity, error)
	GetByIdentities(ctx context.Context, identities []uuid.UUID, at domain.QueryTime) ([]domain.Entity, error)
	List(ctx context.Context, opts ListOptions) ([]domain.Entity, int, error)
	History(ctx context.Context, identity uuid.UUID) ([]domain.Entity, error)

	CurrentVersion(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error)
	PreviousVersion(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error)
	NextVersion(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error)

	// ResolveReference resolves an identity-valued foreign key to the
	// concrete version valid at the given time.
	ResolveReference(ctx context.Context, identity uuid.UUID, at domain.QueryTime) (domain.Entity, error)
}

// AssociationRepository manages interval-carrying many-to-many links
// between identities.
type AssociationRepository interface {
	Add(ctx context.Context, owner domain.Entity, relation string, other domain.Entity) error
	Remove(ctx context.Context, owner domain.Entity, relation string, otherIdentity uuid.UUID) error
	Set(ctx context.Context, owner domain.Entity, relation string, targets []uuid.UUID) error

	Members(ctx context.Context, owner domain.Entity, relation string) ([]domain.Entity, error)
	ReverseMembers(ctx context.Context, owner domain.Entity, relation string) ([]domain.Entity, error)
	Associations(ctx context.Context, identity uuid.UUID, relation string, at domain.QueryTime) ([]domain.Association, error)
}
