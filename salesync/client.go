package salesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	searchSalesPath  = "/search_sales"
	dateColumnFilter = "shift_date"

	defaultMaxAttempts = 3
	maxResponseBytes   = 32 << 20
)

// PageQuery addresses one page of the upstream sales search.
type PageQuery struct {
	StoreID string
	Token   string
	Window  Window
	Offset  int
	Limit   int
}

// Page is one upstream response. A non-2xx Page is still a Page: the fetcher hands
// the last failing response back once retries are exhausted.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Attempts   int
}

func (p *Page) OK() bool {
	return p != nil && p.StatusCode >= 200 && p.StatusCode < 300
}

// PageFetcher is the seam between the control loop and the network.
type PageFetcher interface {
	FetchPage(ctx context.Context, q PageQuery) (*Page, error)
}

// Client talks to the POS sales API.
type Client struct {
	baseURL     string
	http        *http.Client
	backoff     BackoffPolicy
	maxAttempts int
	sleep       Sleeper
	now         func() time.Time
	logger      *logrus.Logger

	// Pacing is per store, so concurrent runs for different integrations do not
	// slow each other down.
	every    rate.Limit
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithBackoff(p BackoffPolicy) ClientOption {
	return func(c *Client) { c.backoff = p }
}

func WithSleeper(s Sleeper) ClientOption {
	return func(c *Client) { c.sleep = s }
}

func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRequestDelay paces page requests; zero disables pacing.
func WithRequestDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			c.every = rate.Inf
			return
		}
		c.every = rate.Every(d)
	}
}

func WithClientLogger(l *logrus.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pos api base url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("pos api base url: %w", err)
	}
	c := &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 30 * time.Second},
		backoff:     ExponentialBackoff{Base: defaultBackoffBase},
		maxAttempts: defaultMaxAttempts,
		sleep:       sleepContext,
		every:       rate.Every(defaultRequestDelay),
		limiters:    make(map[string]*rate.Limiter),
		now:         time.Now,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) limiterFor(storeID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[storeID]
	if !ok {
		l = rate.NewLimiter(c.every, 1)
		c.limiters[storeID] = l
	}
	return l
}

// PageURL renders the request URL for q. Window bounds are sent as calendar dates.
func (c *Client) PageURL(q PageQuery) string {
	params := url.Values{}
	params.Set("p_date_column_filter", dateColumnFilter)
	params.Set("p_filter_date_start", q.Window.StartDate())
	params.Set("p_filter_date_end", q.Window.EndDate())
	params.Set("p_limit", strconv.Itoa(q.Limit))
	params.Set("p_offset", strconv.Itoa(q.Offset))
	params.Set("store_id", q.StoreID)
	return c.baseURL + searchSalesPath + "?" + params.Encode()
}

// FetchPage performs one paced page request with up to maxAttempts tries.
// A 429 waits max(Retry-After, backoff); any other non-2xx waits the backoff.
// When every attempt fails with a status, the last response is returned without error.
// When the last attempt fails at the transport level, that error is returned.
func (c *Client) FetchPage(ctx context.Context, q PageQuery) (*Page, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "salesync.FetchPage")
	defer span.End()
	span.SetAttributes(attribute.Int("offset", q.Offset), attribute.String("store_id", q.StoreID))

	if err := c.limiterFor(q.StoreID).Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.PageURL(q)
	var (
		last    *Page
		lastErr error
	)
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		page, retryAfter, err := c.do(ctx, endpoint, q.Token)
		if err == nil && page.OK() {
			page.Attempts = attempt + 1
			span.SetAttributes(attribute.Int("status", page.StatusCode), attribute.Int("attempts", page.Attempts))
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		last, lastErr = page, err
		if attempt == c.maxAttempts-1 {
			break
		}

		delay := c.backoff.Delay(attempt, retryAfter)
		fields := logrus.Fields{"url": endpoint, "attempt": attempt + 1, "delay": delay.String()}
		if err != nil {
			fields["error"] = err.Error()
		} else {
			fields["status"] = page.StatusCode
		}
		c.logger.WithFields(fields).Warn("pos api request failed; retrying")

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	last.Attempts = c.maxAttempts
	span.SetAttributes(attribute.Int("status", last.StatusCode), attribute.Int("attempts", last.Attempts))
	return last, nil
}

// do issues a single GET. retryAfter is only set for 429 responses.
func (c *Client) do(ctx context.Context, endpoint, token string) (*Page, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("read pos api response: %w", err)
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	}
	return &Page{URL: endpoint, StatusCode: resp.StatusCode, Body: body}, retryAfter, nil
}
