package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"community-sync/models"
	"community-sync/utils"
)

// Page is one chunk of upstream rows
type Page struct {
	Rows []models.RawRow
	// NextCursor is empty on the last page
	NextCursor string
	// BatchEnd marks the last page of a group of facilities; grouped
	// datasets flush their buffers here
	BatchEnd bool
}

// Source reads one dataset page by page
type Source interface {
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// FetcherOptions controls pacing and retry of page fetches
type FetcherOptions struct {
	PageDelay     time.Duration
	Retries       int
	BackoffBase   time.Duration
	BackoffFactor float64
}

// Fetcher paces and retries page fetches of a Source
type Fetcher struct {
	dataset models.Dataset
	source  Source
	limiter *utils.RateLimiter
	policy  utils.RetryPolicy
	logger  *utils.Logger
}

// NewFetcher wraps source with the given pacing and retry options
func NewFetcher(dataset models.Dataset, source Source, opts FetcherOptions, logger *utils.Logger) *Fetcher {
	return &Fetcher{
		dataset: dataset,
		source:  source,
		limiter: utils.NewRateLimiter(opts.PageDelay),
		policy: utils.RetryPolicy{
			MaxAttempts: opts.Retries + 1,
			BaseDelay:   opts.BackoffBase,
			Factor:      opts.BackoffFactor,
		},
		logger: logger,
	}
}

// Next fetches the page at cursor. Failures that survive every retry come back
// as *models.FetchError; credential problems come back as *models.ConfigError.
// A done ctx is returned unwrapped so callers can tell a budget expiry apart.
func (f *Fetcher) Next(ctx context.Context, cursor string) (*Page, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var page *Page
	err := utils.Retry(ctx, f.policy, f.logger, func(ctx context.Context) error {
		p, err := f.source.FetchPage(ctx, cursor)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err == nil {
		return page, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var cfgErr *models.ConfigError
	if errors.As(err, &cfgErr) {
		return nil, cfgErr
	}
	return nil, &models.FetchError{Dataset: f.dataset, Cursor: cursor, Err: err}
}

// StatusError is a non-2xx upstream response
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.Status, e.URL, e.Body)
}

// CheckStatus turns a non-2xx status into an error. 401 and 403 are marked
// permanent and reported as configuration errors since retrying cannot help.
func CheckStatus(url string, status int, body []byte, setting string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	statusErr := &StatusError{URL: url, Status: status, Body: snippet}
	if status == 401 || status == 403 {
		return utils.Permanent(&models.ConfigError{Setting: setting, Reason: statusErr.Error()})
	}
	return statusErr
}
