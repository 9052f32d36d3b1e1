package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"community-sync/models"
	"community-sync/utils"
)

// CSVWriter writes the rejected and skipped rows of a run to an audit CSV
type CSVWriter struct {
	dir    string
	logger *utils.Logger
}

// NewCSVWriter creates a new CSVWriter rooted at dir
func NewCSVWriter(dir string, logger *utils.Logger) *CSVWriter {
	return &CSVWriter{dir: dir, logger: logger}
}

// AuditPath is where the audit file of a run is written
func (w *CSVWriter) AuditPath(report models.RunReport) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.csv", report.Dataset, report.RunID))
}

// WriteRunAudit writes every error and skip of the report, with the offending
// raw row, and returns the file path. Runs with nothing to report write no file.
func (w *CSVWriter) WriteRunAudit(report models.RunReport) (string, error) {
	if len(report.Errors) == 0 && len(report.Skips) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := w.AuditPath(report)
	file, err := os.Create(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"run_id", "dataset", "kind", "regulatory_id",
		"name", "source", "line", "message", "raw",
	}
	if err := writer.Write(header); err != nil {
		return "", fmt.Errorf("failed to write CSV header: %w", err)
	}

	rows := 0
	for _, group := range [][]models.RecordError{report.Errors, report.Skips} {
		for _, e := range group {
			raw := ""
			if len(e.Raw) > 0 {
				b, err := json.Marshal(e.Raw)
				if err == nil {
					raw = string(b)
				}
			}
			row := []string{
				report.RunID,
				string(report.Dataset),
				string(e.Kind),
				e.RegulatoryID,
				e.Name,
				e.Source,
				strconv.Itoa(e.Line),
				e.Message,
				raw,
			}
			if err := writer.Write(row); err != nil {
				w.logger.Error("Failed to write audit row for '%s': %v", e.RegulatoryID, err)
				continue
			}
			rows++
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to flush CSV: %w", err)
	}

	w.logger.Info("Run audit written to: %s (%d rows)", filePath, rows)
	return filePath, nil
}
