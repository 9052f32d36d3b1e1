package inspection

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"community-sync/models"
	"community-sync/scraper"
	"community-sync/utils"

	"github.com/chromedp/chromedp"
)

// Anchor is a link found on a rendered index page. Row maps the enclosing
// table's header texts to the cell texts of the link's row.
type Anchor struct {
	Href string            `json:"href"`
	Text string            `json:"text"`
	Row  map[string]string `json:"row"`
}

// IndexScraper renders a JavaScript inspection report index in headless
// Chrome and serves its PDF links as raw rows, one rendered page per Page.
type IndexScraper struct {
	indexURL   string
	renderWait time.Duration
	logger     *utils.Logger

	browser context.Context
	cancel  context.CancelFunc
}

var _ scraper.Source = (*IndexScraper)(nil)

// NewIndexScraper creates a scraper for indexURL. The browser starts lazily
// on the first fetch; Close releases it.
func NewIndexScraper(indexURL string, logger *utils.Logger) (*IndexScraper, error) {
	if indexURL == "" {
		return nil, &models.ConfigError{Setting: "INSPECTION_INDEX_URL", Reason: "not configured"}
	}
	return &IndexScraper{indexURL: indexURL, renderWait: 4 * time.Second, logger: logger}, nil
}

// newContext creates a fresh chromedp context (one browser, one tab at a time)
func (s *IndexScraper) newContext() (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("log-level", "3"),
		chromedp.WindowSize(1280, 900),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	cancel := func() {
		cancelCtx()
		cancelAlloc()
	}
	return ctx, cancel
}

func (s *IndexScraper) FetchPage(ctx context.Context, cursor string) (*scraper.Page, error) {
	if s.browser == nil {
		s.browser, s.cancel = s.newContext()
	}
	pageURL := cursor
	if pageURL == "" {
		pageURL = s.indexURL
	}

	// chromedp actions run on the browser context; the run context only bounds them
	tab, cancelTab := context.WithCancel(s.browser)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	s.logger.Info("Rendering inspection index: %s", pageURL)
	err := chromedp.Run(tab,
		chromedp.Navigate(pageURL),
		chromedp.Sleep(s.renderWait),
	)
	if err != nil {
		return nil, fmt.Errorf("navigate failed: %w", err)
	}

	var anchors []Anchor
	err = chromedp.Run(tab, chromedp.Evaluate(`
		(function() {
			var out = [];
			document.querySelectorAll('a[href]').forEach(function(a) {
				var row = {};
				var tr = a.closest('tr');
				var table = a.closest('table');
				if (tr && table) {
					var heads = table.querySelectorAll('thead th');
					if (heads.length === 0) {
						var first = table.querySelector('tr');
						if (first && first !== tr) heads = first.querySelectorAll('th,td');
					}
					var cells = tr.querySelectorAll('td,th');
					for (var i = 0; i < cells.length && i < heads.length; i++) {
						var h = heads[i].innerText.trim();
						if (h) row[h] = cells[i].innerText.trim();
					}
				}
				out.push({href: a.href, text: a.innerText.trim(), row: row});
			});
			return out;
		})()
	`, &anchors))
	if err != nil {
		return nil, fmt.Errorf("link extraction failed: %w", err)
	}

	var next string
	_ = chromedp.Run(tab, chromedp.Evaluate(`
		(function() {
			var btn = document.querySelector('a[rel="next"]') ||
			          document.querySelector('a[aria-label="Next"]') ||
			          document.querySelector('.pagination a.next');
			return btn ? btn.href : '';
		})()
	`, &next))

	page := &scraper.Page{Rows: ExtractPDFLinks(anchors, pageURL)}
	s.logger.Info("Inspection index page: %d anchors, %d report links", len(anchors), len(page.Rows))
	if next != "" && next != pageURL {
		page.NextCursor = next
	} else {
		page.BatchEnd = true
	}
	return page, nil
}

// Close shuts the browser down
func (s *IndexScraper) Close() {
	if s.cancel != nil {
		s.cancel()
		s.browser, s.cancel = nil, nil
	}
}

var (
	ccnPattern  = regexp.MustCompile(`\b(\d{2}[0-9A-Z]\d{3})\b`)
	datePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4})\b`)
)

// header aliases seen on state and federal report indexes
var rowColumns = map[string]string{
	"ccn":                      "ccn",
	"federal provider number":  "ccn",
	"provider number":          "ccn",
	"cms certification number": "ccn",
	"facility":                 "provider_name",
	"facility name":            "provider_name",
	"provider name":            "provider_name",
	"name":                     "provider_name",
	"city":                     "citytown",
	"city/town":                "citytown",
	"state":                    "state",
	"zip":                      "zip_code",
	"zip code":                 "zip_code",
	"survey date":              "survey_date",
	"inspection date":          "survey_date",
	"date":                     "survey_date",
}

// ExtractPDFLinks keeps the anchors pointing at PDF documents, resolves them
// against base and lifts facility identity out of the table row, the link
// text or the URL. Duplicate URLs are dropped.
func ExtractPDFLinks(anchors []Anchor, base string) []models.RawRow {
	baseURL, _ := url.Parse(base)
	seen := utils.NewKeyTracker()
	var rows []models.RawRow
	for _, a := range anchors {
		href := strings.TrimSpace(a.Href)
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		if baseURL != nil {
			u = baseURL.ResolveReference(u)
		}
		if !strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
			continue
		}
		link := u.String()
		if !seen.Add(link) {
			continue
		}

		fields := map[string]string{"report_url": link, "title": a.Text}
		for header, value := range a.Row {
			if col, ok := rowColumns[strings.ToLower(strings.TrimSpace(header))]; ok && value != "" {
				fields[col] = value
			}
		}
		if fields["ccn"] == "" {
			for _, candidate := range []string{a.Text, u.Path, u.RawQuery} {
				if m := ccnPattern.FindStringSubmatch(candidate); m != nil {
					fields["ccn"] = m[1]
					break
				}
			}
		}
		if fields["survey_date"] == "" {
			for _, candidate := range []string{a.Text, u.Path} {
				if m := datePattern.FindStringSubmatch(candidate); m != nil {
					fields["survey_date"] = m[1]
					break
				}
			}
		}

		rows = append(rows, models.RawRow{
			RegulatoryID: fields["ccn"],
			Fields:       fields,
			Source:       base,
			Line:         len(rows) + 1,
		})
	}
	return rows
}
