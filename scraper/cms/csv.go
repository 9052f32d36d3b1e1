package cms

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"community-sync/models"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ParseWarning is a non-fatal problem found while parsing a CSV file
type ParseWarning struct {
	Line    int
	Message string
}

// ParseCSV parses a bulk CSV download into raw rows keyed by header.
// UTF-8 and UTF-16 byte order marks are honoured, invalid UTF-8 is read as
// Latin-1, and rows with a wrong column count are padded or truncated.
func ParseCSV(data []byte, source string) ([]models.RawRow, []ParseWarning, error) {
	decoded, err := decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding detection failed: %w", err)
	}

	reader := csv.NewReader(bytes.NewReader(decoded))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("empty file: no header row found")
		}
		return nil, nil, fmt.Errorf("failed to read header row: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	var (
		rows     []models.RawRow
		warnings []ParseWarning
		line     = 1
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			warnings = append(warnings, ParseWarning{Line: line, Message: fmt.Sprintf("parse error: %v", err)})
			continue
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		if len(record) < len(headers) {
			warnings = append(warnings, ParseWarning{
				Line:    line,
				Message: fmt.Sprintf("row has %d columns, expected %d; padding with empty values", len(record), len(headers)),
			})
			padded := make([]string, len(headers))
			copy(padded, record)
			record = padded
		} else if len(record) > len(headers) {
			warnings = append(warnings, ParseWarning{
				Line:    line,
				Message: fmt.Sprintf("row has %d columns, expected %d; truncating extra columns", len(record), len(headers)),
			})
			record = record[:len(headers)]
		}

		fields := make(map[string]string, len(headers))
		for i, h := range headers {
			fields[h] = strings.TrimSpace(record[i])
		}
		rows = append(rows, models.RawRow{Fields: fields, Source: source, Line: line})
	}
	return rows, warnings, nil
}

var boms = [][]byte{{0xEF, 0xBB, 0xBF}, {0xFF, 0xFE}, {0xFE, 0xFF}}

func decode(data []byte) ([]byte, error) {
	for _, bom := range boms {
		if bytes.HasPrefix(data, bom) {
			out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
			return out, err
		}
	}
	if utf8.Valid(data) {
		return data, nil
	}
	return charmap.ISO8859_1.NewDecoder().Bytes(data)
}
