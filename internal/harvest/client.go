package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"projectfinder/internal/errs"
	"projectfinder/internal/retry"
)

// FirstPage is the cursor of the first page of any window.
const FirstPage = "1"

// Window selects the entries to harvest: either everything changed since
// Since, or everything published between From and To.
type Window struct {
	Since time.Time
	From  time.Time
	To    time.Time
}

type Page struct {
	Entries    []json.RawMessage `json:"data"`
	Number     int               `json:"page"`
	TotalPages int               `json:"total_pages"`
	NextPage   string            `json:"next_page"`
}

// Next returns the cursor of the following page, or "" when this page is the
// last. An explicit next-page token takes precedence over the page count.
func (p *Page) Next() string {
	if p.NextPage != "" {
		return p.NextPage
	}
	if p.TotalPages > 0 && p.Number < p.TotalPages {
		return strconv.Itoa(p.Number + 1)
	}
	return ""
}

// Source is the paginated harvest interface consumed by the pipeline.
type Source interface {
	FetchPage(ctx context.Context, w Window, cursor string) (*Page, error)
	Ping(ctx context.Context) error
}

type Options struct {
	BaseURL           string
	APIKey            string
	PageSize          int
	RequestsPerMinute int
	Timeout           time.Duration
	MaxAttempts       int
}

type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	log        *zap.Logger
}

func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		pageSize:   opts.PageSize,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, 1),
		policy: retry.Policy{
			MaxAttempts:    opts.MaxAttempts,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     30 * time.Second,
			AttemptTimeout: opts.Timeout,
		},
		log: log.Named("harvest"),
	}
}

// WithRetryPolicy replaces the retry policy; used to shorten backoff in tests.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// FetchPage fetches one page. Failures that survive the retry policy are
// reported as errs.ErrSourceUnavailable.
func (c *Client) FetchPage(ctx context.Context, w Window, cursor string) (*Page, error) {
	if cursor == "" {
		cursor = FirstPage
	}
	endpoint := c.baseURL + "/procesos?" + c.query(w, cursor).Encode()

	var page *Page
	attempt := 0
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		p, err := c.get(ctx, endpoint)
		if err != nil {
			c.log.Warn("fetch page failed",
				zap.String("cursor", cursor),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: page %s: %v", errs.ErrSourceUnavailable, cursor, err)
	}
	if page.Number == 0 {
		if n, convErr := strconv.Atoi(cursor); convErr == nil {
			page.Number = n
		}
	}
	return page, nil
}

func (c *Client) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, c.baseURL+"/procesos?size=1&page=1", nil)
	if err != nil {
		return fmt.Errorf("build harvest ping failed: %w", err)
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", errs.ErrSourceUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) query(w Window, cursor string) url.Values {
	q := url.Values{}
	if !w.Since.IsZero() {
		q.Set("since", w.Since.UTC().Format(time.RFC3339))
	}
	if !w.From.IsZero() {
		q.Set("from", w.From.UTC().Format("2006-01-02"))
	}
	if !w.To.IsZero() {
		q.Set("to", w.To.UTC().Format("2006-01-02"))
	}
	q.Set("page", cursor)
	q.Set("size", strconv.Itoa(c.pageSize))
	return q
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) get(ctx context.Context, endpoint string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.Permanent(fmt.Errorf("build harvest request failed: %w", err))
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("harvest request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read harvest response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("harvest response status %d: %s", resp.StatusCode, truncate(string(raw), 256))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, errs.Permanent(statusErr)
		}
		return nil, statusErr
	}

	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, errs.Permanent(fmt.Errorf("parse harvest page failed: %w", err))
	}
	return &page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
