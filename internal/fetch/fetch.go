// Package fetch downloads the listing page and period archives, and extracts
// archives into their period directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Error describes a failed download: the HTTP exchange or the disk write.
type Error struct {
	URL    string
	Dest   string
	Status int // zero when no response was received
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s", e.URL)
	if e.Dest != "" {
		fmt.Fprintf(&b, " -> %s", e.Dest)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Browser-like agents; the listing sits behind a WAF that rejects Go's default.
var commonUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// Client wraps an http.Client with the request headers the publisher expects.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient returns a Client with the given overall request timeout. An empty
// userAgent picks one of a few common browser agents per request.
func NewClient(timeout time.Duration, userAgent string) *Client {
	return &Client{
		http:      &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (c *Client) agent() string {
	if c.userAgent != "" {
		return c.userAgent
	}
	return commonUserAgents[rand.Intn(len(commonUserAgents))]
}

func (c *Client) do(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.agent())
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "es-AR,es;q=0.9,en;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		// Keep a bit of the body for context.
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("bad status %q: %s", resp.Status, strings.TrimSpace(string(preview)))}
	}
	return resp, nil
}

// Get returns the body of a page.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.do(ctx, rawURL, "text/html,application/xhtml+xml,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// Download streams rawURL to dest, creating parent directories. The body is
// written to a temporary file next to dest and renamed into place, so dest
// never holds a truncated archive. It returns the number of bytes written.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	resp, err := c.do(ctx, rawURL, "application/zip,application/octet-stream,*/*")
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			fe.Dest = dest
		}
		return 0, err
	}
	defer resp.Body.Close()

	fail := func(err error) (int64, error) {
		return 0, &Error{URL: rawURL, Dest: dest, Status: resp.StatusCode, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(fmt.Errorf("create destination directory: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fail(fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, resp.Body)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	for _, e := range []error{copyErr, syncErr, closeErr} {
		if e != nil {
			os.Remove(tmpName)
			return fail(fmt.Errorf("write archive: %w", e))
		}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fail(fmt.Errorf("move archive into place: %w", err))
	}
	return n, nil
}

