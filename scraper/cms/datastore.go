package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"community-sync/models"
	"community-sync/scraper"
	"community-sync/utils"
)

const maxResponseBytes = 64 << 20

// DatastoreOptions configures a DatastoreSource
type DatastoreOptions struct {
	BaseURL   string
	DatasetID string
	APIKey    string
	// IDColumn holds the regulatory id in result rows
	IDColumn    string
	StateColumn string
	// RegulatoryIDs, when set, are queried in batches of BatchSize.
	// Otherwise States is used as the locality whitelist.
	RegulatoryIDs []string
	States        []string
	PageSize      int
	BatchSize     int
	Timeout       time.Duration
	Client        *http.Client
}

// DatastoreSource pages through a provider-data datastore query endpoint.
// Cursors have the form "batch:offset".
type DatastoreSource struct {
	client      *http.Client
	endpoint    string
	datasetID   string
	apiKey      string
	idColumn    string
	stateColumn string
	batches     [][]string
	states      []string
	pageSize    int
}

var _ scraper.Source = (*DatastoreSource)(nil)

// NewDatastoreSource validates opts. A missing dataset id or an empty
// selection (no ids and no states) is a configuration error.
func NewDatastoreSource(opts DatastoreOptions) (*DatastoreSource, error) {
	if opts.DatasetID == "" {
		return nil, &models.ConfigError{Setting: "dataset id", Reason: "not configured"}
	}
	if opts.BaseURL == "" {
		return nil, &models.ConfigError{Setting: "CMS_BASE_URL", Reason: "not configured"}
	}
	if len(opts.RegulatoryIDs) == 0 && len(opts.States) == 0 {
		return nil, &models.ConfigError{Setting: "STATE_WHITELIST", Reason: "no regulatory ids or states to query"}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.IDColumn == "" {
		opts.IDColumn = "cms_certification_number_ccn"
	}
	if opts.StateColumn == "" {
		opts.StateColumn = "state"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	s := &DatastoreSource{
		client:      client,
		endpoint:    fmt.Sprintf("%s/provider-data/api/1/datastore/query/%s/0", strings.TrimRight(opts.BaseURL, "/"), opts.DatasetID),
		datasetID:   opts.DatasetID,
		apiKey:      opts.APIKey,
		idColumn:    opts.IDColumn,
		stateColumn: opts.StateColumn,
		pageSize:    opts.PageSize,
	}
	if len(opts.RegulatoryIDs) > 0 {
		s.batches = chunk(opts.RegulatoryIDs, opts.BatchSize)
	} else {
		s.states = opts.States
	}
	return s, nil
}

// Batches is the number of id batches (1 for a state query)
func (s *DatastoreSource) Batches() int {
	if len(s.batches) == 0 {
		return 1
	}
	return len(s.batches)
}

type queryCondition struct {
	Property string   `json:"property"`
	Value    []string `json:"value"`
	Operator string   `json:"operator"`
}

type querySort struct {
	Property string `json:"property"`
	Order    string `json:"order"`
}

type queryRequest struct {
	Conditions []queryCondition `json:"conditions"`
	Sorts      []querySort      `json:"sorts"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
	Count      bool             `json:"count"`
	Results    bool             `json:"results"`
}

type queryResponse struct {
	Results []map[string]any `json:"results"`
	Count   int              `json:"count"`
}

func (s *DatastoreSource) FetchPage(ctx context.Context, cursor string) (*scraper.Page, error) {
	batch, offset, err := parseCursor(cursor)
	if err != nil {
		return nil, utils.Permanent(err)
	}
	if batch >= s.Batches() {
		return &scraper.Page{BatchEnd: true}, nil
	}

	cond := queryCondition{Property: s.stateColumn, Value: s.states, Operator: "IN"}
	if len(s.batches) > 0 {
		cond = queryCondition{Property: s.idColumn, Value: s.batches[batch], Operator: "IN"}
	}
	body, err := json.Marshal(queryRequest{
		Conditions: []queryCondition{cond},
		Sorts:      []querySort{{Property: s.idColumn, Order: "asc"}},
		Limit:      s.pageSize,
		Offset:     offset,
		Count:      true,
		Results:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", s.datasetID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := scraper.CheckStatus(s.endpoint, resp.StatusCode, raw, "CMS_API_KEY"); err != nil {
		return nil, err
	}

	var qr queryResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&qr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	source := fmt.Sprintf("%s@%d:%d", s.datasetID, batch, offset)
	page := &scraper.Page{Rows: make([]models.RawRow, 0, len(qr.Results))}
	for i, result := range qr.Results {
		fields := make(map[string]string, len(result))
		for k, v := range result {
			fields[k] = stringify(v)
		}
		page.Rows = append(page.Rows, models.RawRow{
			RegulatoryID: strings.TrimSpace(fields[s.idColumn]),
			Fields:       fields,
			Source:       source,
			Line:         offset + i + 1,
		})
	}

	next := offset + len(qr.Results)
	if len(qr.Results) > 0 && next < qr.Count {
		page.NextCursor = formatCursor(batch, next)
		return page, nil
	}
	page.BatchEnd = true
	if batch+1 < s.Batches() {
		page.NextCursor = formatCursor(batch+1, 0)
	}
	return page, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "Y"
		}
		return "N"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func parseCursor(cursor string) (batch, offset int, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	b, o, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	if batch, err = strconv.Atoi(b); err != nil || batch < 0 {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	if offset, err = strconv.Atoi(o); err != nil || offset < 0 {
		return 0, 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return batch, offset, nil
}

func formatCursor(batch, offset int) string {
	return fmt.Sprintf("%d:%d", batch, offset)
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
