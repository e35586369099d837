package entityloader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/chronicle-db/chronicle/internal/domain"
	"github.com/chronicle-db/chronicle/internal/repository"
)

// ReferenceLoader batches foreign key resolution. References are identity
// valued, so resolving one means finding the version of the target identity
// valid at the referencing version's query time. Concurrent lookups within
// the batching window collapse into one query per distinct query time.
type ReferenceLoader struct {
	loader *dataloader.Loader
}

type referenceKey struct {
	identity uuid.UUID
	at       domain.QueryTime
}

func (k referenceKey) String() string {
	return k.identity.String() + "@" + k.at.String()
}

func (k referenceKey) Raw() interface{} {
	return k
}

// NewReferenceLoader creates a loader backed by the entity repository.
func NewReferenceLoader(repo repository.EntityRepository) *ReferenceLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		// Group the keys per query time so each group resolves in one
		// round trip.
		groups := make(map[string][]int)
		for i, key := range keys {
			ref, ok := key.Raw().(referenceKey)
			if !ok {
				results[i] = &dataloader.Result{Error: fmt.Errorf("unexpected loader key %q", key.String())}
				continue
			}
			groups[ref.at.String()] = append(groups[ref.at.String()], i)
		}

		for _, indexes := range groups {
			at := keys[indexes[0]].Raw().(referenceKey).at

			identities := make([]uuid.UUID, 0, len(indexes))
			seen := make(map[uuid.UUID]bool, len(indexes))
			for _, i := range indexes {
				identity := keys[i].Raw().(referenceKey).identity
				if !seen[identity] {
					seen[identity] = true
					identities = append(identities, identity)
				}
			}

			entities, err := repo.GetByIdentities(ctx, identities, at)
			if err != nil {
				for _, i := range indexes {
					results[i] = &dataloader.Result{Error: err}
				}
				continue
			}

			byIdentity := make(map[uuid.UUID]domain.Entity, len(entities))
			for _, entity := range entities {
				byIdentity[entity.Identity] = entity
			}

			for _, i := range indexes {
				identity := keys[i].Raw().(referenceKey).identity
				if entity, ok := byIdentity[identity]; ok {
					results[i] = &dataloader.Result{Data: entity}
				} else {
					results[i] = &dataloader.Result{Error: &domain.NotFoundError{Identity: identity, At: at}}
				}
			}
		}

		return results
	}

	return &ReferenceLoader{
		loader: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond)),
	}
}

// Load resolves one identity at the given query time, batched with other
// in-flight loads.
func (l *ReferenceLoader) Load(ctx context.Context, identity uuid.UUID, at domain.QueryTime) (domain.Entity, error) {
	thunk := l.loader.Load(ctx, referenceKey{identity: identity, at: at})
	value, err := thunk()
	if err != nil {
		return domain.Entity{}, err
	}
	entity, ok := value.(domain.Entity)
	if !ok {
		return domain.Entity{}, fmt.Errorf("unexpected loader result %T", value)
	}
	return entity, nil
}

// LoadMany resolves several identities at one query time. All loads are
// registered before the first thunk is forced so they land in one batch.
func (l *ReferenceLoader) LoadMany(ctx context.Context, identities []uuid.UUID, at domain.QueryTime) ([]domain.Entity, error) {
	thunks := make([]dataloader.Thunk, len(identities))
	for i, identity := range identities {
		thunks[i] = l.loader.Load(ctx, referenceKey{identity: identity, at: at})
	}

	entities := make([]domain.Entity, 0, len(identities))
	for _, thunk := range thunks {
		value, err := thunk()
		if err != nil {
			return nil, err
		}
		entity, ok := value.(domain.Entity)
		if !ok {
			return nil, fmt.Errorf("unexpected loader result %T", value)
		}
		entities = append(entities, entity)
	}
	return entities, nil
}
