// Package feed retrieves and parses the recruiting system's per-category
// RSS job feeds.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"careers/jobboard/internal/model"
)

const (
	defaultTimeout = 15 * time.Second
	maxFeedBytes   = 32 << 20
)

// ErrFetch matches every error returned by Fetch.
var ErrFetch = errors.New("feed fetch failed")

// FetchError is a category-level failure: the feed was unreachable,
// answered non-200, or was not a parseable RSS document.
type FetchError struct {
	Category string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch category %s: %v", e.Category, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFetch) hold for every *FetchError.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Fetcher downloads one category feed at a time.
type Fetcher struct {
	urlTemplate string
	systemID    string
	timeout     time.Duration
	client      *http.Client
}

// NewFetcher constructs a fetcher with a shared HTTP client. urlTemplate
// must contain {category} and may contain {system_id}.
func NewFetcher(urlTemplate, systemID string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		urlTemplate: urlTemplate,
		systemID:    systemID,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
	}
}

// URL returns the feed address for categoryCode.
func (f *Fetcher) URL(categoryCode string) string {
	return strings.NewReplacer(
		"{system_id}", url.QueryEscape(f.systemID),
		"{category}", url.QueryEscape(categoryCode),
	).Replace(f.urlTemplate)
}

// Fetch retrieves and parses the feed for categoryCode. Individual bad
// items degrade to empty fields; only transport or document-level problems
// produce an error.
func (f *Fetcher) Fetch(ctx context.Context, categoryCode string) ([]model.RawPosting, error) {
	fail := func(err error) error { return &FetchError{Category: categoryCode, Err: err} }

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(categoryCode), nil)
	if err != nil {
		return nil, fail(err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, text/xml;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fail(fmt.Errorf("http GET: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fail(fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail(fmt.Errorf("feed returned %d", resp.StatusCode))
	}

	items, err := Parse(bytes.NewReader(body), categoryCode)
	if err != nil {
		return nil, fail(err)
	}
	return items, nil
}
