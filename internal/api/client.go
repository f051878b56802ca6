package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-kemono-download/internal/control"
	"go-kemono-download/internal/models"
	"go-kemono-download/internal/siteurl"

	log "github.com/sirupsen/logrus"
)

var (
	ErrCancelled = control.ErrCancelled
	ErrTimeout   = errors.New("API request timed out")
	ErrDecode    = errors.New("unexpected API response")
)

const (
	UserAgent       = "Mozilla/5.0"
	PageSize        = 50
	ConnectTimeout  = 10 * time.Second
	FeedTimeout     = 60 * time.Second
	CommentsTimeout = 30 * time.Second
	maxAttempts     = 3
	bodyHeadLen     = 200
)

const dnsHint = "name resolution failed, check your internet connection or DNS settings"

// TransportError is any non-timeout failure talking to the API.
type TransportError struct {
	URL      string
	Status   int // 0 when no response was received
	BodyHead string
	DNSHint  bool
	Err      error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "request to %s failed", e.URL)
	if e.Status != 0 {
		fmt.Fprintf(&b, " with status %d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.BodyHead != "" {
		fmt.Fprintf(&b, " (body: %s)", e.BodyHead)
	}
	if e.DNSHint {
		b.WriteString(" [" + dnsHint + "]")
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed (429 and 5xx).
func (e *TransportError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500 || (e.Status == 0 && !e.DNSHint)
}

// Client talks to the kemono/coomer JSON API.
type Client struct {
	HTTPClient *http.Client
	RetryDelay time.Duration // base delay between attempts; doubled each time
}

// NewTransport returns the API transport: 10 s connect timeout, optionally logging to logPath.
func NewTransport(cfg models.Config, logPath string) http.RoundTripper {
	dialer := &net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}
	var transport http.RoundTripper = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: ConnectTimeout,
		MaxIdleConnsPerHost: 8,
	}
	if cfg.LogApiRequests {
		lt, err := NewLoggingTransport(transport, logPath)
		if err != nil {
			log.WithError(err).Errorf("Failed to open %s, API logging disabled", logPath)
		} else {
			transport = lt
		}
	}
	return transport
}

// NewClient creates an API client. A nil httpClient gets NewTransport(cfg, "api.log").
func NewClient(httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: NewTransport(cfg, "api.log")}
	}
	return &Client{HTTPClient: httpClient, RetryDelay: 2 * time.Second}
}

// FetchPage returns one 50-post page of the creator feed starting at offset.
func (c *Client) FetchPage(ctx context.Context, target siteurl.Target, offset int, cookies map[string]string) ([]models.Post, error) {
	url := target.FeedURL() + "?o=" + strconv.Itoa(offset)
	var posts []models.Post
	if err := c.getJSON(ctx, url, cookies, FeedTimeout, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// FetchPost fetches target.PostID directly. The post may arrive bare, in a list or as {"post": {...}}.
func (c *Client) FetchPost(ctx context.Context, target siteurl.Target, cookies map[string]string) (*models.Post, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, target.PostURL(target.PostID), cookies, FeedTimeout, &raw); err != nil {
		return nil, err
	}
	return unwrapPost(raw)
}

func unwrapPost(raw json.RawMessage) (*models.Post, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: empty post list", ErrDecode)
		}
		return unwrapPost(list[0])
	case strings.HasPrefix(trimmed, "{"):
		var envelope struct {
			Post json.RawMessage `json:"post"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Post) > 0 && string(envelope.Post) != "null" {
			return unwrapPost(envelope.Post)
		}
		var post models.Post
		if err := json.Unmarshal(raw, &post); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if post.ID == "" {
			return nil, fmt.Errorf("%w: post has no id", ErrDecode)
		}
		return &post, nil
	}
	return nil, fmt.Errorf("%w: %.40s", ErrDecode, trimmed)
}

// FetchComments returns the comments of one post.
func (c *Client) FetchComments(ctx context.Context, target siteurl.Target, postID string, cookies map[string]string) ([]models.Comment, error) {
	var comments []models.Comment
	if err := c.getJSON(ctx, target.CommentsURL(postID), cookies, CommentsTimeout, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (c *Client) getJSON(ctx context.Context, url string, cookies map[string]string, timeout time.Duration, out any) error {
	var lastErr error
	delay := c.RetryDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return control.Cancelled(ctx)
		}
		lastErr = c.doJSON(ctx, url, cookies, timeout, out)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			break
		}
		log.WithError(lastErr).Warnf("Retrying API request (%d/%d) in %s...", attempt, maxAttempts, delay)
		select {
		case <-ctx.Done():
			return control.Cancelled(ctx)
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

func (c *Client) doJSON(parent context.Context, url string, cookies map[string]string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if len(cookies) > 0 {
		req.Header.Set("Cookie", siteurl.CookieHeader(cookies))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classify(parent, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		head, _ := io.ReadAll(io.LimitReader(resp.Body, bodyHeadLen))
		return &TransportError{URL: url, Status: resp.StatusCode, BodyHead: strings.TrimSpace(string(head))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if parent.Err() != nil || ctx.Err() != nil || isTimeout(err) {
			return classify(parent, url, err)
		}
		return fmt.Errorf("%w from %s: %v", ErrDecode, url, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func classify(parent context.Context, url string, err error) error {
	if parent.Err() != nil {
		return control.Cancelled(parent)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrTimeout, url)
	}
	var dnsErr *net.DNSError
	return &TransportError{URL: url, Err: err, DNSHint: errors.As(err, &dnsErr)}
}

// HasDNSHint reports whether err was caused by a failed name lookup.
func HasDNSHint(err error) bool {
	var te *TransportError
	if errors.As(err, &te) && te.DNSHint {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// DNSHint is appended to user-facing messages for name-resolution failures.
func DNSHint() string { return dnsHint }
