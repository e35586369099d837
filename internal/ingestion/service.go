package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/chronicle-db/chronicle/internal/domain"
	"github.com/chronicle-db/chronicle/internal/repository"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
)

// Service imports tabular snapshots into the version store. Each row is
// matched to an existing identity by a key property: unknown keys create a
// new identity, changed rows become a new version of the existing one, and
// identical rows are left untouched. Re-importing the same file is
// therefore a no-op.
type Service struct {
	entities repository.EntityRepository
	logger   zerolog.Logger
}

// NewService creates an ingestion service.
func NewService(entities repository.EntityRepository, logger zerolog.Logger) *Service {
	return &Service{entities: entities, logger: logger}
}

// Request describes one snapshot import.
type Request struct {
	EntityType  string
	KeyProperty string
	FileName    string
	Data        io.Reader
}

// RowError reports a rejected row. RowNumber is 1-based and counts the
// header row.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Message   string `json:"message"`
}

// Summary reports what an import did.
type Summary struct {
	TotalRows int        `json:"total_rows"`
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
	Unchanged int        `json:"unchanged"`
	Invalid   int        `json:"invalid"`
	Errors    []RowError `json:"errors,omitempty"`
}

type tableData struct {
	headers []string
	rows    [][]string
}

// Ingest reads the uploaded file and reconciles every row against the
// current versions of the entity type.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	var summary Summary

	if strings.TrimSpace(req.EntityType) == "" {
		return summary, errors.New("entity type is required")
	}
	if strings.TrimSpace(req.KeyProperty) == "" {
		return summary, errors.New("key property is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	keyColumn := -1
	for idx, header := range table.headers {
		if header == req.KeyProperty {
			keyColumn = idx
			break
		}
	}
	if keyColumn == -1 {
		return summary, fmt.Errorf("key property %q not found among columns %v", req.KeyProperty, table.headers)
	}

	summary.TotalRows = len(table.rows)
	seen := make(map[string]bool, len(table.rows))

	for rowIdx, row := range table.rows {
		rowNumber := rowIdx + 2

		key := strings.TrimSpace(row[keyColumn])
		if key == "" {
			summary.reject(rowNumber, "key property is empty")
			continue
		}
		if seen[key] {
			summary.reject(rowNumber, fmt.Sprintf("duplicate key %q", key))
			continue
		}
		seen[key] = true

		properties := make(map[string]any, len(table.headers))
		for colIdx, header := range table.headers {
			raw := strings.TrimSpace(row[colIdx])
			if raw == "" {
				continue
			}
			properties[header] = inferValue(raw)
		}
		// The key stays a plain string so matching survives type inference.
		properties[req.KeyProperty] = key

		action, err := s.reconcileRow(ctx, req, key, properties)
		if err != nil {
			s.logger.Warn().Err(err).Int("row", rowNumber).Str("key", key).Msg("row import failed")
			summary.reject(rowNumber, err.Error())
			continue
		}
		switch action {
		case rowCreated:
			summary.Created++
		case rowUpdated:
			summary.Updated++
		default:
			summary.Unchanged++
		}
	}

	s.logger.Info().
		Str("entity_type", req.EntityType).
		Str("file", req.FileName).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Int("unchanged", summary.Unchanged).
		Int("invalid", summary.Invalid).
		Msg("import finished")
	return summary, nil
}

type rowAction int

const (
	rowCreated rowAction = iota
	rowUpdated
	rowUnchanged
)

func (s *Service) reconcileRow(ctx context.Context, req Request, key string, properties map[string]any) (rowAction, error) {
	matches, _, err := s.entities.List(ctx, repository.ListOptions{
		EntityType:     req.EntityType,
		PropertyEquals: map[string]string{req.KeyProperty: key},
		Limit:          2,
	})
	if err != nil {
		return rowUnchanged, fmt.Errorf("match key %q: %w", key, err)
	}
	if len(matches) > 1 {
		return rowUnchanged, fmt.Errorf("key %q matches %d current entities", key, len(matches))
	}

	if len(matches) == 0 {
		if _, err := s.entities.Create(ctx, domain.NewEntity(req.EntityType, properties)); err != nil {
			return rowUnchanged, fmt.Errorf("create: %w", err)
		}
		return rowCreated, nil
	}

	existing := matches[0]
	if propertiesEqual(existing.Properties, properties) {
		return rowUnchanged, nil
	}

	successor, err := s.entities.Clone(ctx, existing)
	if err != nil {
		return rowUnchanged, fmt.Errorf("clone: %w", err)
	}
	if _, err := s.entities.Update(ctx, successor.WithProperties(properties)); err != nil {
		return rowUnchanged, fmt.Errorf("update: %w", err)
	}
	return rowUpdated, nil
}

func (s *Summary) reject(rowNumber int, message string) {
	s.Invalid++
	s.Errors = append(s.Errors, RowError{RowNumber: rowNumber, Message: message})
}

// propertiesEqual compares payloads through their JSON encoding, so an
// int64 written now equals the float64 the same number decodes to later.
func propertiesEqual(a, b map[string]any) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aJSON, bJSON)
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	for _, row := range records {
		if isEmptyRow(row) {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	return tableData{headers: headers, rows: dataRows}, nil
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// inferValue interprets a cell as a boolean, number or timestamp before
// falling back to the raw string.
func inferValue(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
	}
	return raw
}
