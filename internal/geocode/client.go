// Package geocode resolves free-text locations to coordinates through an
// external geocoding provider.
//
// Resolve distinguishes a miss (the provider knows nothing about the text:
// nil coordinates, nil error) from a failure (the provider could not be
// asked or answered nonsense: an error matching ErrFailure). Callers store
// postings either way; the distinction exists for observability.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"careers/jobboard/internal/model"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20

	statusOK          = "OK"
	statusZeroResults = "ZERO_RESULTS"
)

// ErrFailure matches every error returned by Resolve.
var ErrFailure = errors.New("geocode failure")

// Error describes a failed lookup.
type Error struct {
	Location string
	Status   string // provider status when one was returned
	Err      error
}

func (e *Error) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("geocode %q: provider status %s: %v", e.Location, e.Status, e.Err)
	}
	return fmt.Sprintf("geocode %q: %v", e.Location, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFailure) hold for every *Error.
func (e *Error) Is(target error) bool { return target == ErrFailure }

// Cache stores lookups keyed by normalized location text. found with nil
// coordinates is a cached miss.
type Cache interface {
	Get(ctx context.Context, key string) (coords *model.Coordinates, found bool, err error)
	Set(ctx context.Context, key string, coords *model.Coordinates) error
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64 // <= 0 disables client-side limiting
	Cache         Cache   // optional
	HTTPClient    *http.Client
	Logger        logrus.FieldLogger
}

// Client talks to a Google-style geocoding endpoint:
// GET {base}?address=...&key=... → {"status": ..., "results": [...]}.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	cache   Cache
	log     logrus.FieldLogger
}

// NewClient constructs a Client. A shared HTTP client with the configured
// timeout is created unless one is supplied.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		timeout: timeout,
		http:    hc,
		limiter: limiter,
		cache:   opts.Cache,
		log:     logger.WithField("component", "geocoder"),
	}
}

type apiResponse struct {
	Status       string      `json:"status"`
	ErrorMessage string      `json:"error_message"`
	Results      []apiResult `json:"results"`
}

type apiResult struct {
	Geometry struct {
		Location struct {
			Lat *float64 `json:"lat"`
			Lng *float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

// Resolve returns the first result's coordinates for location, (nil, nil)
// when the provider has no result or location is blank, and an error
// matching ErrFailure when the lookup could not be completed.
func (c *Client) Resolve(ctx context.Context, location string) (*model.Coordinates, error) {
	key := NormalizeKey(location)
	if key == "" {
		return nil, nil
	}

	if c.cache != nil {
		coords, found, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.WithError(err).Warn("geocode cache read failed")
		} else if found {
			return coords, nil
		}
	}

	coords, err := c.lookup(ctx, strings.TrimSpace(location))
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, coords); err != nil {
			c.log.WithError(err).Warn("geocode cache write failed")
		}
	}
	return coords, nil
}

func (c *Client) lookup(ctx context.Context, location string) (*model.Coordinates, error) {
	fail := func(status string, err error) error {
		return &Error{Location: location, Status: status, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fail("", fmt.Errorf("rate limiter: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("address", location)
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fail("", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fail("", fmt.Errorf("http GET: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fail("", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail("", fmt.Errorf("provider returned %d", resp.StatusCode))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fail("", fmt.Errorf("json unmarshal: %w", err))
	}

	switch apiResp.Status {
	case statusZeroResults:
		return nil, nil
	case statusOK, "":
	default:
		msg := apiResp.ErrorMessage
		if msg == "" {
			msg = "request rejected"
		}
		return nil, fail(apiResp.Status, errors.New(msg))
	}

	if len(apiResp.Results) == 0 {
		return nil, nil
	}
	loc := apiResp.Results[0].Geometry.Location
	if loc.Lat == nil || loc.Lng == nil {
		return nil, fail(apiResp.Status, errors.New("result without geometry.location"))
	}
	return &model.Coordinates{Lat: *loc.Lat, Lng: *loc.Lng}, nil
}

// NormalizeKey folds location text to a cache key: NFC, lower case,
// single spaces.
func NormalizeKey(location string) string {
	return strings.Join(strings.Fields(strings.ToLower(norm.NFC.String(location))), " ")
}
