package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chronicle-db/chronicle/internal/db"
	"github.com/chronicle-db/chronicle/internal/domain"
	"github.com/chronicle-db/chronicle/internal/temporal"
)

const entityColumns = "id, identity, entity_type, properties, version_birth_date, version_start_date, version_end_date"

// entityRepository implements EntityRepository on PostgreSQL.
type entityRepository struct {
	conn *db.Connection
	now  func() time.Time
}

// Option customises repository construction.
type Option func(*entityRepository)

// WithClock replaces the wall clock, used by tests to build deterministic
// histories.
func WithClock(now func() time.Time) Option {
	return func(r *entityRepository) {
		r.now = now
	}
}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(conn *db.Connection, opts ...Option) EntityRepository {
	r := &entityRepository{
		conn: conn,
		now:  defaultClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// defaultClock truncates to the microsecond resolution of a timestamptz
// column, so in-memory intervals equal what the database stores.
func defaultClock() time.Time {
	return time.Now().UTC().Truncate(domain.VersionTick)
}

// Create persists a freshly constructed entity as the first open version of
// its identity.
func (r *entityRepository) Create(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	if !entity.IsCurrent() {
		return domain.Entity{}, &domain.InvalidVersionError{Op: "create", ID: entity.ID}
	}
	if !entity.IsFirstVersion() {
		return domain.Entity{}, fmt.Errorf("create expects the first version of an identity, got start %s after birth %s",
			entity.StartDate, entity.BirthDate)
	}

	if err := insertEntity(ctx, r.conn.Pool, entity); err != nil {
		return domain.Entity{}, fmt.Errorf("failed to create entity: %w", err)
	}
	return entity, nil
}

// Update replaces the payload of the open version in place. Closed versions
// are immutable.
func (r *entityRepository) Update(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	if !entity.IsCurrent() {
		return domain.Entity{}, &domain.InvalidVersionError{Op: "update", ID: entity.ID}
	}

	propertiesJSON, err := entity.PropertiesJSON()
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to marshal properties: %w", err)
	}

	tag, err := r.conn.Pool.Exec(ctx,
		"UPDATE entities SET properties = $1 WHERE id = $2 AND version_end_date IS NULL",
		propertiesJSON, entity.ID,
	)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Entity{}, &domain.ConcurrentModificationError{Identity: entity.Identity}
	}

	return entity, nil
}

// Clone closes the current version and opens a new one at the same instant:
// fresh id, same identity and birth date, payload copied. Open associations
// of the identity are closed and reopened at the clone instant so the new
// version starts with a consistent relationship snapshot. The close uses a
// conditional update as the concurrency guard: if the row is no longer the
// open version the whole transaction fails with ConcurrentModificationError.
func (r *entityRepository) Clone(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	if !entity.IsCurrent() {
		return domain.Entity{}, &domain.InvalidVersionError{Op: "clone", ID: entity.ID}
	}

	now := r.now()
	successor := entity
	successor.ID = uuid.New()
	successor.StartDate = now
	successor.EndDate = domain.Open()
	successor = successor.WithProperties(entity.Properties)

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE entities SET version_end_date = $1 WHERE id = $2 AND version_end_date IS NULL",
			now, entity.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to close current version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.ConcurrentModificationError{Identity: entity.Identity}
		}

		if err := insertEntity(ctx, tx, successor); err != nil {
			return fmt.Errorf("failed to insert new version: %w", err)
		}

		if err := propagateAssociations(ctx, tx, entity.Identity, now); err != nil {
			return fmt.Errorf("failed to propagate associations: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Entity{}, err
	}

	return successor, nil
}

// Delete terminates the identity: the current version is closed without a
// successor and its open associations are closed. History stays queryable.
func (r *entityRepository) Delete(ctx context.Context, entity domain.Entity) error {
	if !entity.IsCurrent() {
		return &domain.InvalidVersionError{Op: "delete", ID: entity.ID}
	}

	now := r.now()
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE entities SET version_end_date = $1 WHERE id = $2 AND version_end_date IS NULL",
			now, entity.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to close current version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.ConcurrentModificationError{Identity: entity.Identity}
		}

		_, err = tx.Exec(ctx,
			"UPDATE associations SET version_end_date = $1 WHERE (left_identity = $2 OR right_identity = $2) AND version_end_date IS NULL",
			now, entity.Identity,
		)
		if err != nil {
			return fmt.Errorf("failed to close associations: %w", err)
		}
		return nil
	})
}

// Restore reopens a closed version as a new current version. An existing
// current version is terminated first, at the restore instant, so the new
// interval starts exactly where the old one ends. Associations are not
// restored with the version.
func (r *entityRepository) Restore(ctx context.Context, entity domain.Entity) (domain.Entity, error) {
	if entity.IsCurrent() {
		return domain.Entity{}, &domain.InvalidVersionError{Op: "restore", ID: entity.ID}
	}

	now := r.now()
	restored := entity
	restored.ID = uuid.New()
	restored.StartDate = now
	restored.EndDate = domain.Open()

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"UPDATE entities SET version_end_date = $1 WHERE identity = $2 AND version_end_date IS NULL",
			now, entity.Identity,
		)
		if err != nil {
			return fmt.Errorf("failed to terminate current version: %w", err)
		}

		if err := insertEntity(ctx, tx, restored); err != nil {
			return fmt.Errorf("failed to insert restored version: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Entity{}, err
	}

	return restored, nil
}

// GetByID retrieves one version row by its surrogate id.
func (r *entityRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Entity, error) {
	q := temporal.NewQuery("entities", "e")
	q.Where("e.id = " + q.Arg(id))
	q.Apply(domain.Unrestricted())

	sql, args := q.SQL(entityColumnsFor("e"))
	entity, err := scanEntity(r.conn.Pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entity{}, fmt.Errorf("entity version %s: %w", id, err)
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to get entity: %w", err)
	}
	entity.AsOf = domain.Unrestricted()
	return entity, nil
}

// GetByIdentity retrieves the version of an identity valid at the given
// time. Under unrestricted semantics the latest version is returned.
func (r *entityRepository) GetByIdentity(ctx context.Context, identity uuid.UUID, at domain.QueryTime) (domain.Entity, error) {
	q := temporal.NewQuery("entities", "e")
	q.Where("e.identity = " + q.Arg(identity))
	q.Apply(at)
	q.OrderBy("e.version_start_date DESC")
	q.Limit(1)

	sql, args := q.SQL(entityColumnsFor("e"))
	entity, err := scanEntity(r.conn.Pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entity{}, &domain.NotFoundError{Identity: identity, At: at}
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to get entity by identity: %w", err)
	}
	entity.AsOf = at
	return entity, nil
}

// GetByIdentities retrieves the versions of several identities valid at one
// time. Identities without a matching version are simply absent from the
// result.
func (r *entityRepository) GetByIdentities(ctx context.Context, identities []uuid.UUID, at domain.QueryTime) ([]domain.Entity, error) {
	if len(identities) == 0 {
		return []domain.Entity{}, nil
	}

	q := temporal.NewQuery("entities", "e")
	q.Where("e.identity = ANY(" + q.Arg(identities) + ")")
	q.Apply(at)

	sql, args := q.SQL(entityColumnsFor("e"))
	return r.queryEntities(ctx, sql, args, at)
}

// List retrieves the versions valid at the requested time, optionally
// narrowed by entity type and payload property equality.
func (r *entityRepository) List(ctx context.Context, opts ListOptions) ([]domain.Entity, int, error) {
	q := temporal.NewQuery("entities", "e")
	if opts.EntityType != "" {
		q.Where("e.entity_type = " + q.Arg(opts.EntityType))
	}
	for key, value := range opts.PropertyEquals {
		q.Where(fmt.Sprintf("e.properties ->> %s = %s", q.Arg(key), q.Arg(value)))
	}
	q.Apply(opts.At)

	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.conn.Pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count entities: %w", err)
	}

	q.OrderBy("e.version_start_date DESC, e.id")
	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}
	q.Limit(limit)
	if opts.Offset > 0 {
		q.Offset(opts.Offset)
	}

	sql, args := q.SQL(entityColumnsFor("e"))
	entities, err := r.queryEntities(ctx, sql, args, opts.At)
	if err != nil {
		return nil, 0, err
	}
	return entities, total, nil
}

// History returns every version of an identity in interval order.
func (r *entityRepository) History(ctx context.Context, identity uuid.UUID) ([]domain.Entity, error) {
	q := temporal.NewQuery("entities", "e")
	q.Where("e.identity = " + q.Arg(identity))
	q.Apply(domain.Unrestricted())
	q.OrderBy("e.version_start_date ASC")

	sql, args := q.SQL(entityColumnsFor("e"))
	return r.queryEntities(ctx, sql, args, domain.Unrestricted())
}

// CurrentVersion returns the open version of the entity's identity. An
// entity that believes itself current is returned without a round trip;
// a concurrent clone may already have superseded it, which callers accept
// in exchange for the saved query.
func (r *entityRepository) CurrentVersion(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error) {
	if entity.IsCurrent() {
		return adjustRelations(entity, relations)
	}

	current, err := r.GetByIdentity(ctx, entity.Identity, domain.Current())
	if err != nil {
		return domain.Entity{}, err
	}
	return adjustRelations(current, relations)
}

// PreviousVersion returns the version whose interval immediately precedes
// the entity's. The first version is returned unchanged.
func (r *entityRepository) PreviousVersion(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error) {
	if entity.IsFirstVersion() {
		return adjustRelations(entity, relations)
	}

	q := temporal.NewQuery("entities", "e")
	q.Where("e.identity = " + q.Arg(entity.Identity))
	q.Where("e.version_end_date IS NOT NULL")
	q.Where("e.version_end_date <= " + q.Arg(entity.StartDate))
	q.Apply(domain.Unrestricted())
	q.OrderBy("e.version_end_date DESC")
	q.Limit(1)

	sql, args := q.SQL(entityColumnsFor("e"))
	previous, err := scanEntity(r.conn.Pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return adjustRelations(entity, relations)
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to get previous version: %w", err)
	}
	return adjustRelations(previous, relations)
}

// NextVersion returns the version whose interval immediately follows the
// entity's. An open version is returned unchanged without consulting the
// database.
func (r *entityRepository) NextVersion(ctx context.Context, entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error) {
	if entity.IsCurrent() {
		return adjustRelations(entity, relations)
	}

	end, _ := entity.EndDate.Time()
	q := temporal.NewQuery("entities", "e")
	q.Where("e.identity = " + q.Arg(entity.Identity))
	q.Where("e.version_start_date >= " + q.Arg(end))
	q.Apply(domain.Unrestricted())
	q.OrderBy("e.version_start_date ASC")
	q.Limit(1)

	sql, args := q.SQL(entityColumnsFor("e"))
	next, err := scanEntity(r.conn.Pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return adjustRelations(entity, relations)
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to get next version: %w", err)
	}
	return adjustRelations(next, relations)
}

// ResolveReference resolves an identity-valued foreign key to the concrete
// version valid at the given time.
func (r *entityRepository) ResolveReference(ctx context.Context, identity uuid.UUID, at domain.QueryTime) (domain.Entity, error) {
	return r.GetByIdentity(ctx, identity, at)
}

func (r *entityRepository) queryEntities(ctx context.Context, sql string, args []any, at domain.QueryTime) ([]domain.Entity, error) {
	rows, err := r.conn.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []domain.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entity.AsOf = at
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return entities, nil
}

func adjustRelations(entity domain.Entity, relations domain.RelationsAsOf) (domain.Entity, error) {
	at, err := relations.Resolve(entity.StartDate, entity.EndDate)
	if err != nil {
		return domain.Entity{}, err
	}
	entity.AsOf = at
	return entity, nil
}

func insertEntity(ctx context.Context, exec db.DBTX, entity domain.Entity) error {
	propertiesJSON, err := entity.PropertiesJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	var end *time.Time
	if closedAt, closed := entity.EndDate.Time(); closed {
		end = &closedAt
	}

	_, err = exec.Exec(ctx,
		"INSERT INTO entities ("+entityColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		entity.ID, entity.Identity, entity.EntityType, propertiesJSON,
		entity.BirthDate, entity.StartDate, end,
	)
	return err
}

func entityColumnsFor(alias string) string {
	return fmt.Sprintf("%s.id, %s.identity, %s.entity_type, %s.properties, %s.version_birth_date, %s.version_start_date, %s.version_end_date",
		alias, alias, alias, alias, alias, alias, alias)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var (
		entity         domain.Entity
		propertiesJSON json.RawMessage
		end            *time.Time
	)
	if err := row.Scan(
		&entity.ID, &entity.Identity, &entity.EntityType, &propertiesJSON,
		&entity.BirthDate, &entity.StartDate, &end,
	); err != nil {
		return domain.Entity{}, err
	}

	properties, err := domain.PropertiesFromJSON(propertiesJSON)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to decode properties for entity %s: %w", entity.ID, err)
	}
	entity.Properties = properties

	if end != nil {
		entity.EndDate = domain.ClosedAt(end.UTC())
	} else {
		entity.EndDate = domain.Open()
	}
	return entity, nil
}
