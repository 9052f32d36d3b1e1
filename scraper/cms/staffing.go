package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"community-sync/models"
	"community-sync/scraper"
	"community-sync/storage"
	"community-sync/utils"
)

// PBJ daily nurse staffing columns
const (
	ColProviderNumber = "PROVNUM"
	ColProviderName   = "PROVNAME"
	ColCity           = "CITY"
	ColState          = "STATE"
	ColCounty         = "COUNTY_NAME"
	ColWorkDate       = "WorkDate"
	ColCensus         = "MDScensus"
)

// StaffingOptions configures a StaffingSource
type StaffingOptions struct {
	CatalogURL   string
	TitlePattern string
	// Quarters is how many of the newest files to download
	Quarters        int
	States          []string
	CatalogTimeout  time.Duration
	DownloadTimeout time.Duration
	Client          *http.Client
	Archive         storage.RawArchive
	RunID           string
	Logger          *utils.Logger
}

// Distribution is one downloadable file listed in the data catalog
type Distribution struct {
	Title       string `json:"title"`
	DownloadURL string `json:"downloadURL"`
	MediaType   string `json:"mediaType"`
	Format      string `json:"format"`
	Modified    string `json:"modified"`
	Temporal    string `json:"temporal"`
}

// Catalog is the subset of a DCAT data.json document the source reads
type Catalog struct {
	Dataset []CatalogDataset `json:"dataset"`
}

type CatalogDataset struct {
	Title        string         `json:"title"`
	Distribution []Distribution `json:"distribution"`
}

// StaffingSource lists the newest payroll-based-journal files from the data
// catalog and serves each file as one page, oldest first. Rows outside the
// state whitelist are dropped.
type StaffingSource struct {
	opts   StaffingOptions
	client *http.Client
	states map[string]bool
	files  []Distribution
}

var _ scraper.Source = (*StaffingSource)(nil)

func NewStaffingSource(opts StaffingOptions) (*StaffingSource, error) {
	if opts.CatalogURL == "" {
		return nil, &models.ConfigError{Setting: "STAFFING_CATALOG_URL", Reason: "not configured"}
	}
	if opts.TitlePattern == "" {
		return nil, &models.ConfigError{Setting: "STAFFING_TITLE_PATTERN", Reason: "not configured"}
	}
	if opts.Quarters <= 0 {
		opts.Quarters = 2
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	states := make(map[string]bool, len(opts.States))
	for _, st := range opts.States {
		states[strings.ToUpper(strings.TrimSpace(st))] = true
	}
	return &StaffingSource{opts: opts, client: client, states: states}, nil
}

func (s *StaffingSource) FetchPage(ctx context.Context, cursor string) (*scraper.Page, error) {
	if s.files == nil {
		files, err := s.resolveFiles(ctx)
		if err != nil {
			return nil, err
		}
		s.files = files
	}

	index := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, utils.Permanent(fmt.Errorf("invalid cursor %q", cursor))
		}
		index = n
	}
	if index >= len(s.files) {
		return &scraper.Page{BatchEnd: true}, nil
	}

	file := s.files[index]
	data, err := s.get(ctx, file.DownloadURL, s.opts.DownloadTimeout)
	if err != nil {
		return nil, err
	}
	s.archive(ctx, file, data)

	name := path.Base(file.DownloadURL)
	rows, warnings, err := ParseCSV(data, name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	for _, w := range warnings {
		s.opts.Logger.Debug("%s line %d: %s", name, w.Line, w.Message)
	}

	page := &scraper.Page{Rows: make([]models.RawRow, 0, len(rows))}
	for _, row := range rows {
		if len(s.states) > 0 && !s.states[strings.ToUpper(row.Fields[ColState])] {
			continue
		}
		row.RegulatoryID = row.Fields[ColProviderNumber]
		page.Rows = append(page.Rows, row)
	}
	s.opts.Logger.Info("Staffing file %s: %d rows, %d in whitelisted states", name, len(rows), len(page.Rows))

	if index+1 < len(s.files) {
		page.NextCursor = strconv.Itoa(index + 1)
	} else {
		page.BatchEnd = true
	}
	return page, nil
}

// Files returns the distributions selected for this run, oldest first
func (s *StaffingSource) Files() []Distribution {
	return s.files
}

func (s *StaffingSource) resolveFiles(ctx context.Context) ([]Distribution, error) {
	data, err := s.get(ctx, s.opts.CatalogURL, s.opts.CatalogTimeout)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	files := SelectDistributions(c, s.opts.TitlePattern, s.opts.Quarters)
	if len(files) == 0 {
		return nil, utils.Permanent(&models.ConfigError{
			Setting: "STAFFING_TITLE_PATTERN",
			Reason:  fmt.Sprintf("no CSV distribution in the catalog matches %q", s.opts.TitlePattern),
		})
	}
	for _, f := range files {
		s.opts.Logger.Info("Selected staffing file: %s (%s)", f.Title, f.DownloadURL)
	}
	return files, nil
}

// SelectDistributions picks the newest n CSV files whose dataset or file
// title contains pattern, and returns them oldest first
func SelectDistributions(c Catalog, pattern string, n int) []Distribution {
	needle := strings.ToLower(pattern)
	seen := make(map[string]bool)
	var matches []Distribution
	for _, ds := range c.Dataset {
		datasetMatch := strings.Contains(strings.ToLower(ds.Title), needle)
		for _, d := range ds.Distribution {
			if !datasetMatch && !strings.Contains(strings.ToLower(d.Title), needle) {
				continue
			}
			if d.DownloadURL == "" || !isCSV(d) || seen[d.DownloadURL] {
				continue
			}
			seen[d.DownloadURL] = true
			matches = append(matches, d)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Temporal != matches[j].Temporal {
			return matches[i].Temporal > matches[j].Temporal
		}
		if matches[i].Modified != matches[j].Modified {
			return matches[i].Modified > matches[j].Modified
		}
		return matches[i].Title > matches[j].Title
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches
}

func isCSV(d Distribution) bool {
	return strings.EqualFold(d.MediaType, "text/csv") ||
		strings.EqualFold(d.Format, "csv") ||
		strings.HasSuffix(strings.ToLower(d.DownloadURL), ".csv")
}

func (s *StaffingSource) get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, utils.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if err := scraper.CheckStatus(url, resp.StatusCode, data, "STAFFING_CATALOG_URL"); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *StaffingSource) archive(ctx context.Context, file Distribution, data []byte) {
	if s.opts.Archive == nil {
		return
	}
	key := storage.ArchiveKey(string(models.DatasetStaffing), s.opts.RunID, file.DownloadURL, time.Now())
	if err := s.opts.Archive.Put(ctx, key, data, "text/csv"); err != nil {
		s.opts.Logger.Warn("Failed to archive %s: %v", key, err)
	}
}
