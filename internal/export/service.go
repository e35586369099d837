package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/chronicle-db/chronicle/internal/domain"
	"github.com/chronicle-db/chronicle/internal/repository"
)

// Format selects the output encoding of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a query parameter to a Format, defaulting to CSV.
func ParseFormat(raw string) (Format, error) {
	switch raw {
	case "", string(FormatCSV):
		return FormatCSV, nil
	case string(FormatXLSX):
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Extension returns the file extension of the format, without the dot.
func (f Format) Extension() string {
	return string(f)
}

// metadataColumns lead every export, followed by the sorted union of the
// payload property keys found in the exported rows.
var metadataColumns = []string{
	"id", "identity", "entity_type",
	"version_birth_date", "version_start_date", "version_end_date",
}

// Service renders version rows as downloadable tables.
type Service struct {
	entities repository.EntityRepository
	pageSize int
}

// Option customises service construction.
type Option func(*Service)

// WithPageSize sets how many rows a snapshot export fetches per round trip.
func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// NewService creates an export service over the entity repository.
func NewService(entities repository.EntityRepository, opts ...Option) *Service {
	s := &Service{
		entities: entities,
		pageSize: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History writes every version of an identity, oldest first.
func (s *Service) History(ctx context.Context, w io.Writer, format Format, identity uuid.UUID) error {
	versions, err := s.entities.History(ctx, identity)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return &domain.NotFoundError{Identity: identity, At: domain.Unrestricted()}
	}
	return writeRows(w, format, versions)
}

// SnapshotRequest narrows a snapshot export.
type SnapshotRequest struct {
	EntityType     string
	At             domain.QueryTime
	PropertyEquals map[string]string
}

// Snapshot writes the versions of a type valid at one point in time. Rows
// are fetched page by page so large types do not accumulate in memory
// beyond a single export.
func (s *Service) Snapshot(ctx context.Context, w io.Writer, format Format, req SnapshotRequest) error {
	var versions []domain.Entity
	offset := 0
	for {
		page, _, err := s.entities.List(ctx, repository.ListOptions{
			EntityType:     req.EntityType,
			At:             req.At,
			PropertyEquals: req.PropertyEquals,
			Limit:          s.pageSize,
			Offset:         offset,
		})
		if err != nil {
			return err
		}
		versions = append(versions, page...)
		if len(page) < s.pageSize {
			break
		}
		offset += s.pageSize
	}
	return writeRows(w, format, versions)
}

func writeRows(w io.Writer, format Format, versions []domain.Entity) error {
	headers := buildHeaders(versions)
	if format == FormatXLSX {
		return writeXLSX(w, headers, versions)
	}
	return writeCSV(w, headers, versions)
}

func buildHeaders(versions []domain.Entity) []string {
	keys := make(map[string]bool)
	for _, version := range versions {
		for key := range version.Properties {
			keys[key] = true
		}
	}
	properties := make([]string, 0, len(keys))
	for key := range keys {
		properties = append(properties, key)
	}
	sort.Strings(properties)
	return append(append([]string{}, metadataColumns...), properties...)
}

func rowValues(headers []string, version domain.Entity) []string {
	row := make([]string, len(headers))
	row[0] = version.ID.String()
	row[1] = version.Identity.String()
	row[2] = version.EntityType
	row[3] = version.BirthDate.UTC().Format(time.RFC3339Nano)
	row[4] = version.StartDate.UTC().Format(time.RFC3339Nano)
	if end, closed := version.EndDate.Time(); closed {
		row[5] = end.UTC().Format(time.RFC3339Nano)
	}
	for i, key := range headers[len(metadataColumns):] {
		row[len(metadataColumns)+i] = formatValue(version.Properties[key])
	}
	return row
}

func writeCSV(w io.Writer, headers []string, versions []domain.Entity) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, version := range versions {
		if err := csvWriter.Write(rowValues(headers, version)); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("flush export: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, headers []string, versions []domain.Entity) error {
	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Sheet1"
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("resolve header cell: %w", err)
		}
		if err := file.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("write header cell: %w", err)
		}
	}
	for rowIdx, version := range versions {
		for col, value := range rowValues(headers, version) {
			cell, err := excelize.CoordinatesToCellName(col+1, rowIdx+2)
			if err != nil {
				return fmt.Errorf("resolve cell: %w", err)
			}
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("write cell: %w", err)
			}
		}
	}
	if err := file.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}
