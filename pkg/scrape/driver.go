// Package scrape defines the ScrapeDriver external collaborator and
// ships a plain HTTP reference implementation. The headless-browser
// rendering pipeline itself lives elsewhere; this package only needs to
// honor the interface contract Scheduler depends on.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Options configures one takeSnapshot call.
type Options struct {
	Timeout              time.Duration
	WaitForSelector      string
	UserAgent            string
	Viewport             string
	BlockedResourceTypes []string
	Retries              int
	RetryDelay           time.Duration
}

// DefaultOptions returns sensible defaults for the reference HTTP driver.
func DefaultOptions() Options {
	return Options{
		Timeout:    30 * time.Second,
		UserAgent:  "pulsecore-scraper/1.0",
		Retries:    0,
		RetryDelay: time.Second,
	}
}

// WebsiteSnapshot is the output of one successful takeSnapshot call.
type WebsiteSnapshot struct {
	URL           string
	Title         string
	Description   string
	HTML          string
	Text          string
	Timestamp     time.Time
	StatusCode    int
	Headers       map[string][]string
	ContentLength int
	Images        []string
	Links         []string
	Metadata      map[string]string
}

// Sentinel error kinds. NavigationFailed wraps the underlying transport
// error; NetworkTimeout is returned as-is when the request deadline
// passes; HTTPError carries the status code.
var (
	ErrNetworkTimeout    = errors.New("network timeout")
	ErrNavigationFailed  = errors.New("navigation failed")
	ErrDriverUnavailable = errors.New("scrape driver unavailable")
)

// HTTPError reports a non-2xx response from the target.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d", e.StatusCode)
}

// Driver is the external scraping collaborator. It is out of scope for
// this repo's own algorithms; scrapeWithRetry (pkg/scheduler) is the only
// caller and treats it as opaque.
type Driver interface {
	TakeSnapshot(ctx context.Context, url string, opts Options) (WebsiteSnapshot, error)
}

// HTTPDriver is a plain net/http reference implementation. It fetches the
// raw document without executing JavaScript; title/description are
// extracted with a best-effort regex-free scan since headless rendering
// is explicitly out of scope here.
type HTTPDriver struct {
	client *http.Client
}

// NewHTTPDriver builds a reference driver with the given base timeout.
func NewHTTPDriver(timeout time.Duration) *HTTPDriver {
	return &HTTPDriver{client: &http.Client{Timeout: timeout}}
}

func (d *HTTPDriver) TakeSnapshot(ctx context.Context, url string, opts Options) (WebsiteSnapshot, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return WebsiteSnapshot{}, fmt.Errorf("%w: %v", ErrNavigationFailed, err)
	}
	if opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return WebsiteSnapshot{}, ErrNetworkTimeout
		}
		return WebsiteSnapshot{}, fmt.Errorf("%w: %v", ErrNavigationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return WebsiteSnapshot{}, fmt.Errorf("%w: %v", ErrNavigationFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return WebsiteSnapshot{}, &HTTPError{StatusCode: resp.StatusCode}
	}

	html := string(body)
	return WebsiteSnapshot{
		URL:           url,
		Title:         extractTag(html, "title"),
		Description:   extractMetaDescription(html),
		HTML:          html,
		Text:          stripTags(html),
		Timestamp:     time.Now(),
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header,
		ContentLength: len(body),
	}, nil
}

func extractTag(html, tag string) string {
	open := "<" + tag
	start := strings.Index(strings.ToLower(html), open)
	if start == -1 {
		return ""
	}
	gt := strings.Index(html[start:], ">")
	if gt == -1 {
		return ""
	}
	contentStart := start + gt + 1
	close := strings.Index(strings.ToLower(html[contentStart:]), "</"+tag)
	if close == -1 {
		return ""
	}
	return strings.TrimSpace(html[contentStart : contentStart+close])
}

func extractMetaDescription(html string) string {
	idx := strings.Index(strings.ToLower(html), `name="description"`)
	if idx == -1 {
		return ""
	}
	contentIdx := strings.Index(strings.ToLower(html[idx:]), "content=")
	if contentIdx == -1 {
		return ""
	}
	rest := html[idx+contentIdx+len("content="):]
	if len(rest) == 0 {
		return ""
	}
	quote := rest[0]
	if quote != '"' && quote != '\'' {
		return ""
	}
	end := strings.IndexByte(rest[1:], quote)
	if end == -1 {
		return ""
	}
	return rest[1 : 1+end]
}

// stripTags produces a crude plaintext rendering of HTML, sufficient to
// satisfy Scheduler's minContentLength check without a full DOM parser.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
