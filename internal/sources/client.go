package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"price-tracker/internal/config"
	"price-tracker/internal/logger"

	"github.com/go-resty/resty/v2"
)

// client is the shared HTTP plumbing every marketplace adapter embeds:
// resty transport, per-instance limiter, retry with backoff and status
// classification.
type client struct {
	slug     string
	currency string
	caps     Capabilities
	baseURL  string
	apiKey   string
	timeout  time.Duration

	http    *resty.Client
	limiter *Limiter
	retry   RetryPolicy
	log     *logger.Entry

	// inspect may flag a 2xx body as a failure (in-band throttling).
	inspect func(body []byte) *Error
}

func newClient(cfg config.SourceConfig, log *logger.Log) *client {
	if log == nil {
		log = logger.GetLogger()
	}
	rc := resty.New()
	rc.SetTimeout(cfg.Timeout)
	rc.SetHeader("User-Agent", "price-tracker/1.0")
	rc.SetHeader("Accept", "application/json")

	return &client{
		slug:     cfg.Slug,
		currency: cfg.Currency,
		caps:     Capabilities{Current: cfg.Current, History: cfg.History, Listings: cfg.Listings},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		http:     rc,
		limiter:  NewLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.MaxConcurrency),
		retry: RetryPolicy{
			MaxRetries:  cfg.MaxRetries,
			BaseBackoff: cfg.BaseBackoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
		log: log.WithComponent("source").WithField("source", cfg.Slug),
	}
}

func (c *client) Slug() string               { return c.slug }
func (c *client) Currency() string           { return c.currency }
func (c *client) Capabilities() Capabilities { return c.caps }
func (c *client) MaxConcurrency() int        { return c.limiter.size }
func (c *client) Stats() LimiterStats        { return c.limiter.Stats() }

func (c *client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *client) fail(kind Kind, itemID int64, err error) *Error {
	return &Error{Kind: kind, Source: c.slug, ItemID: itemID, Err: err}
}

// do performs one logical request, retrying rate-limit and transient
// failures. prepare may set query, headers and body on the request.
func (c *client) do(ctx context.Context, itemID int64, method, path string, prepare func(*resty.Request)) ([]byte, error) {
	var last *Error
	for attempt := 0; ; attempt++ {
		body, e := c.once(ctx, itemID, method, path, prepare)
		if e == nil {
			return body, nil
		}
		if !e.Retryable() {
			return nil, e
		}
		last = e
		if attempt >= c.retry.MaxRetries {
			break
		}

		wait := c.retry.Delay(attempt+1, e.RetryAfter)
		if e.Kind == KindRateLimited {
			c.limiter.PauseFor(wait)
		}
		c.log.WithFields(logger.Fields{
			"item_id": itemID,
			"kind":    e.Kind,
			"status":  e.Status,
			"attempt": attempt + 1,
			"wait":    wait.String(),
		}).Warn("request failed, backing off")

		if err := sleepCtx(ctx, wait); err != nil {
			return nil, c.fail(KindCanceled, itemID, err)
		}
	}

	return nil, &Error{
		Kind:   KindTransient,
		Source: c.slug,
		ItemID: itemID,
		Status: last.Status,
		Err:    fmt.Errorf("giving up after %d retries: %w", c.retry.MaxRetries, last),
	}
}

func (c *client) once(ctx context.Context, itemID int64, method, path string, prepare func(*resty.Request)) ([]byte, *Error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, c.fail(KindCanceled, itemID, err)
	}
	defer c.limiter.Release()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.http.R().SetContext(callCtx)
	if prepare != nil {
		prepare(req)
	}
	resp, err := req.Execute(method, c.url(path))
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.fail(KindCanceled, itemID, ctx.Err())
		}
		return nil, c.fail(KindTransient, itemID, err)
	}
	body, e := c.classify(itemID, resp.StatusCode(), resp.Header(), resp.Body())
	if e == nil && c.inspect != nil {
		if e = c.inspect(body); e != nil {
			e.Source, e.ItemID = c.slug, itemID
			return nil, e
		}
	}
	return body, e
}

func (c *client) classify(itemID int64, status int, header http.Header, body []byte) ([]byte, *Error) {
	e := &Error{Source: c.slug, ItemID: itemID, Status: status}
	switch {
	case status >= 200 && status < 300:
		return body, nil
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(header, time.Now())
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	case status >= 500:
		e.Kind = KindTransient
	case status >= 400:
		e.Kind = KindInvalidRequest
		e.Body = truncate(body, 512)
	default:
		e.Kind = KindInvalidResponse
		e.Body = truncate(body, 512)
	}
	e.Err = fmt.Errorf("HTTP %d", status)
	return nil, e
}

// decode unmarshals a response body, logging the raw payload when it does
// not have the expected shape.
func (c *client) decode(itemID int64, body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		raw := truncate(body, 512)
		c.log.WithFields(logger.Fields{"item_id": itemID, "body": raw}).WithError(err).Error("unexpected response shape")
		return &Error{Kind: KindInvalidResponse, Source: c.slug, ItemID: itemID, Body: raw, Err: err}
	}
	return nil
}

func (c *client) invalid(itemID int64, body []byte, format string, args ...interface{}) error {
	raw := truncate(body, 512)
	err := fmt.Errorf(format, args...)
	c.log.WithFields(logger.Fields{"item_id": itemID, "body": raw}).WithError(err).Error("unexpected response content")
	return &Error{Kind: KindInvalidResponse, Source: c.slug, ItemID: itemID, Body: raw, Err: err}
}

func (c *client) unsupported(itemID int64, op string) error {
	return c.fail(KindUnsupported, itemID, fmt.Errorf("%s not supported", op))
}
