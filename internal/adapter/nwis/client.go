// Package nwis fetches streamflow observations from the USGS NWIS Water
// Services API.
package nwis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/observability"
)

// DefaultBaseURL is the public NWIS Water Services endpoint.
const DefaultBaseURL = "https://waterservices.usgs.gov/nwis"

// Config tunes the client.
type Config struct {
	BaseURL       string
	ParameterCode string
	Timeout       time.Duration
	// RetryMax is the number of retries after the first attempt. -1 retries
	// until the context is cancelled.
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	RequestsPerSecond float64
}

// Client fetches one batch of sites per request.
type Client struct {
	http          *retryablehttp.Client
	limiter       *rate.Limiter
	baseURL       string
	parameterCode string
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// NewClient creates an NWIS client. Connection failures, 429 and 5xx
// responses are retried with exponential backoff.
func NewClient(cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ParameterCode == "" {
		cfg.ParameterCode = "00060"
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.Logger = logger
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryMax < 0 {
		rc.RetryMax = math.MaxInt32
	}
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			metrics.FetchRetries.Inc()
			logger.Warn("retrying nwis request", "attempt", attempt, "url", req.URL.Redacted())
		}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		http:          rc,
		limiter:       rate.NewLimiter(limit, 1),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		parameterCode: cfg.ParameterCode,
		metrics:       metrics,
		logger:        logger,
	}
}

// FetchBatch issues one request for every site in the batch and returns the
// records per site in batch order. Sites without data are omitted. A 404 means
// the service has no data for any site in the batch.
//
// Exhausted retries return domain.ErrTransientTransport. A non-200 status or a
// payload that is not WaterML JSON returns domain.ErrMalformedResponse.
func (c *Client) FetchBatch(ctx context.Context, batch domain.Batch, tr domain.TimeRange, mode domain.Mode) ([]domain.RawRecordSet, error) {
	if len(batch.IDs) == 0 {
		return []domain.RawRecordSet{}, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("batch %d: rate limit: %w", batch.Index, err)
	}

	u := c.valuesURL(batch.IDs, tr, mode)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("batch %d: %w", batch.Index, ctx.Err())
		}
		return nil, fmt.Errorf("%w: batch %d: %w", domain.ErrTransientTransport, batch.Index, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		c.logger.Debug("no data for batch", "batch", batch.Index, "sites", len(batch.IDs))
		return []domain.RawRecordSet{}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: batch %d: status %d: %s", domain.ErrMalformedResponse, batch.Index, resp.StatusCode, body)
	}

	body, err := bodyReader(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: batch %d: %w", domain.ErrMalformedResponse, batch.Index, err)
	}
	var payload response
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch %d: %w", batch.Index, err)
		}
		return nil, fmt.Errorf("%w: batch %d: decode: %w", domain.ErrMalformedResponse, batch.Index, err)
	}
	return payload.recordSets(batch.IDs), nil
}

func (c *Client) valuesURL(ids []domain.EntityID, tr domain.TimeRange, mode domain.Mode) string {
	sites := make([]string, len(ids))
	for i, id := range ids {
		sites[i] = string(id)
	}
	params := url.Values{
		"format":      {"json"},
		"sites":       {strings.Join(sites, ",")},
		"startDT":     {tr.Start.Format(time.DateOnly)},
		"endDT":       {tr.End.Format(time.DateOnly)},
		"parameterCd": {c.parameterCode},
		"siteStatus":  {"all"},
	}
	return fmt.Sprintf("%s/%s/?%s", c.baseURL, mode, params.Encode())
}
