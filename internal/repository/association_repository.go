package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chronicle-db/chronicle/internal/db"
	"github.com/chronicle-db/chronicle/internal/domain"
	"github.com/chronicle-db/chronicle/internal/temporal"
)

const associationColumns = "id, relation, left_identity, right_identity, version_start_date, version_end_date"

// associationRepository implements AssociationRepository on PostgreSQL.
type associationRepository struct {
	conn *db.Connection
	now  func() time.Time
}

// AssociationOption customises repository construction.
type AssociationOption func(*associationRepository)

// WithAssociationClock replaces the wall clock.
func WithAssociationClock(now func() time.Time) AssociationOption {
	return func(r *associationRepository) {
		r.now = now
	}
}

// NewAssociationRepository creates a new association repository.
func NewAssociationRepository(conn *db.Connection, opts ...AssociationOption) AssociationRepository {
	r := &associationRepository{
		conn: conn,
		now:  defaultClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add opens a link between the owner's identity and the other entity's
// identity. Adding an already linked pair is a no-op, enforced by the
// partial unique index on open rows. Both sides must be current versions.
func (r *associationRepository) Add(ctx context.Context, owner domain.Entity, relation string, other domain.Entity) error {
	if err := guardMutation("add", owner, relation); err != nil {
		return err
	}
	if !other.IsCurrent() {
		return &domain.InvalidVersionError{Op: "add " + relation, ID: other.ID}
	}

	return r.addAt(ctx, r.conn.Pool, r.now(), relation, owner.Identity, other.Identity)
}

// Remove closes the open link between the two identities. Removing an
// absent member is a no-op.
func (r *associationRepository) Remove(ctx context.Context, owner domain.Entity, relation string, otherIdentity uuid.UUID) error {
	if err := guardMutation("remove", owner, relation); err != nil {
		return err
	}

	return r.removeAt(ctx, r.conn.Pool, r.now(), relation, owner.Identity, otherIdentity)
}

// Set reconciles the owner's association set against the target list: the
// symmetric difference between the current set and the target is applied as
// the minimal sequence of adds and removes, all stamped with one instant.
func (r *associationRepository) Set(ctx context.Context, owner domain.Entity, relation string, targets []uuid.UUID) error {
	if err := guardMutation("set", owner, relation); err != nil {
		return err
	}

	desired := make(map[uuid.UUID]bool, len(targets))
	for _, t := range targets {
		desired[t] = true
	}

	current, err := r.currentTargets(ctx, owner.Identity, relation)
	if err != nil {
		return err
	}

	now := r.now()
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		for identity := range current {
			if !desired[identity] {
				if err := r.removeAt(ctx, tx, now, relation, owner.Identity, identity); err != nil {
					return err
				}
			}
		}
		for identity := range desired {
			if !current[identity] {
				if err := r.addAt(ctx, tx, now, relation, owner.Identity, identity); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Members traverses the relation from the owner's side. The reference time
// is the owner's AsOf pin, so traversal intersects three validity windows:
// the owner's version, the association row and the counterpart's version.
func (r *associationRepository) Members(ctx context.Context, owner domain.Entity, relation string) ([]domain.Entity, error) {
	return r.members(ctx, owner, relation, false)
}

// ReverseMembers traverses the relation towards the owner.
func (r *associationRepository) ReverseMembers(ctx context.Context, owner domain.Entity, relation string) ([]domain.Entity, error) {
	return r.members(ctx, owner, relation, true)
}

func (r *associationRepository) members(ctx context.Context, owner domain.Entity, relation string, reverse bool) ([]domain.Entity, error) {
	ownSide, otherSide := "left_identity", "right_identity"
	if reverse {
		ownSide, otherSide = otherSide, ownSide
	}

	q := temporal.NewQuery("associations", "a")
	q.Join("entities", "o", fmt.Sprintf("o.identity = a.%s", ownSide))
	q.Join("entities", "m", fmt.Sprintf("m.identity = a.%s", otherSide))
	q.Where(fmt.Sprintf("a.%s = %s", ownSide, q.Arg(owner.Identity)))
	q.Where("a.relation = " + q.Arg(relation))
	q.Apply(owner.AsOf)
	q.OrderBy("m.version_start_date, m.id")

	sql, args := q.SQL(entityColumnsFor("m"))
	rows, err := r.conn.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s members: %w", relation, err)
	}
	defer rows.Close()

	var members []domain.Entity
	for rows.Next() {
		member, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		member.AsOf = owner.AsOf
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s members: %w", relation, err)
	}
	return members, nil
}

// Associations returns the raw association rows of an identity valid at
// the given time, either side.
func (r *associationRepository) Associations(ctx context.Context, identity uuid.UUID, relation string, at domain.QueryTime) ([]domain.Association, error) {
	q := temporal.NewQuery("associations", "a")
	identityArg := q.Arg(identity)
	q.Where(fmt.Sprintf("(a.left_identity = %s OR a.right_identity = %s)", identityArg, identityArg))
	q.Where("a.relation = " + q.Arg(relation))
	q.Apply(at)
	q.OrderBy("a.version_start_date, a.id")

	sql, args := q.SQL(associationColumnsFor("a"))
	rows, err := r.conn.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	var associations []domain.Association
	for rows.Next() {
		association, err := scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		associations = append(associations, association)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate associations: %w", err)
	}
	return associations, nil
}

func (r *associationRepository) currentTargets(ctx context.Context, identity uuid.UUID, relation string) (map[uuid.UUID]bool, error) {
	q := temporal.NewQuery("associations", "a")
	q.Where("a.left_identity = " + q.Arg(identity))
	q.Where("a.relation = " + q.Arg(relation))
	q.Apply(domain.Current())

	sql, args := q.SQL("a.right_identity")
	rows, err := r.conn.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query current targets: %w", err)
	}
	defer rows.Close()

	targets := make(map[uuid.UUID]bool)
	for rows.Next() {
		var target uuid.UUID
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("failed to scan target identity: %w", err)
		}
		targets[target] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate current targets: %w", err)
	}
	return targets, nil
}

func (r *associationRepository) addAt(ctx context.Context, exec db.DBTX, at time.Time, relation string, left, right uuid.UUID) error {
	_, err := exec.Exec(ctx,
		"INSERT INTO associations ("+associationColumns+") VALUES ($1, $2, $3, $4, $5, NULL) "+
			"ON CONFLICT (relation, left_identity, right_identity) WHERE version_end_date IS NULL DO NOTHING",
		uuid.New(), relation, left, right, at,
	)
	if err != nil {
		return fmt.Errorf("failed to add association: %w", err)
	}
	return nil
}

func (r *associationRepository) removeAt(ctx context.Context, exec db.DBTX, at time.Time, relation string, left, right uuid.UUID) error {
	_, err := exec.Exec(ctx,
		"UPDATE associations SET version_end_date = $1 WHERE relation = $2 AND left_identity = $3 AND right_identity = $4 AND version_end_date IS NULL",
		at, relation, left, right,
	)
	if err != nil {
		return fmt.Errorf("failed to remove association: %w", err)
	}
	return nil
}

// guardMutation enforces that relationship mutations happen through the
// current version of the owning identity.
func guardMutation(op string, owner domain.Entity, relation string) error {
	if !owner.IsCurrent() {
		return &domain.ForbiddenOperationError{Op: op + " " + relation, Identity: owner.Identity}
	}
	return nil
}

// propagateAssociations closes every open association row touching the
// identity and reopens an identical row starting at the clone instant.
// Runs inside the clone transaction.
func propagateAssociations(ctx context.Context, exec db.DBTX, identity uuid.UUID, at time.Time) error {
	_, err := exec.Exec(ctx,
		`WITH closed AS (
			UPDATE associations
			SET version_end_date = $2
			WHERE (left_identity = $1 OR right_identity = $1) AND version_end_date IS NULL
			RETURNING relation, left_identity, right_identity
		)
		INSERT INTO associations (id, relation, left_identity, right_identity, version_start_date, version_end_date)
		SELECT gen_random_uuid(), relation, left_identity, right_identity, $2, NULL FROM closed`,
		identity, at,
	)
	return err
}

func associationColumnsFor(alias string) string {
	return fmt.Sprintf("%s.id, %s.relation, %s.left_identity, %s.right_identity, %s.version_start_date, %s.version_end_date",
		alias, alias, alias, alias, alias, alias)
}

func scanAssociation(row rowScanner) (domain.Association, error) {
	var (
		association domain.Association
		end         *time.Time
	)
	if err := row.Scan(
		&association.ID, &association.Relation, &association.LeftIdentity,
		&association.RightIdentity, &association.StartDate, &end,
	); err != nil {
		return domain.Association{}, fmt.Errorf("failed to scan association: %w", err)
	}

	if end != nil {
		association.EndDate = domain.ClosedAt(end.UTC())
	} else {
		association.EndDate = domain.Open()
	}
	return association, nil
}
