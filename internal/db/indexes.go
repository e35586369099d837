package db

import (
	"context"
	"fmt"
	"strings"
)

// UniqueCurrentGroup declares a set of payload properties that must be
// unique among the currently open versions of one entity type. The
// constraint is enforced as a partial unique index, so historic versions
// never collide with live data.
type UniqueCurrentGroup struct {
	EntityType string
	Properties []string
}

// IndexName derives a deterministic index name for the group.
func (g UniqueCurrentGroup) IndexName() string {
	parts := make([]string, 0, len(g.Properties)+1)
	parts = append(parts, sanitizeIdentifier(g.EntityType))
	for _, p := range g.Properties {
		s := sanitizeIdentifier(p)
		if len(s) > 3 {
			s = s[:3]
		}
		parts = append(parts, s)
	}
	return fmt.Sprintf("entities_%s_v_uniq", strings.Join(parts, "_"))
}

// EnsureCurrentUniqueIndexes creates the partial unique indexes for the
// configured groups. Safe to run at every startup: existing indexes are
// left untouched.
func EnsureCurrentUniqueIndexes(ctx context.Context, exec DBTX, groups []UniqueCurrentGroup) (int, error) {
	created := 0
	for _, group := range groups {
		if group.EntityType == "" || len(group.Properties) == 0 {
			continue
		}

		columns := make([]string, len(group.Properties))
		for i, property := range group.Properties {
			columns[i] = fmt.Sprintf("(properties->>%s)", quoteLiteral(property))
		}

		stmt := fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON entities (%s) WHERE version_end_date IS NULL AND entity_type = %s",
			group.IndexName(),
			strings.Join(columns, ", "),
			quoteLiteral(group.EntityType),
		)
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return created, fmt.Errorf("failed to create unique-current index %s: %w", group.IndexName(), err)
		}
		created++
	}
	return created, nil
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func sanitizeIdentifier(value string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
