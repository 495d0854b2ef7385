package netfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	vfscache "github.com/wolfeidau/vfs-cache"
	"github.com/wolfeidau/vfs-cache/store/propcache"
)

// maxListingBytes caps how much of a directory index page is parsed.
const maxListingBytes = 8 << 20

// client issues the requests behind both network handlers.
type client struct {
	http *http.Client
	now  func() time.Time
}

func (c *client) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	return resp, nil
}

// head describes rawURL. Missing resources are reported as properties with
// Exists unset, so they can be cached like any other answer.
func (c *client) head(ctx context.Context, rawURL string) (*propcache.Properties, error) {
	resp, err := c.do(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return &propcache.Properties{FetchedAt: c.now()}, nil
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return c.probe(ctx, rawURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream returned %d for HEAD %s", resp.StatusCode, rawURL)
	}

	props := propertiesFrom(resp, c.now())
	props.Size = resp.ContentLength
	return props, nil
}

// probe describes rawURL with a one-byte range request, for servers that
// refuse HEAD.
func (c *client) probe(ctx context.Context, rawURL string) (*propcache.Properties, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, http.Header{"Range": {"bytes=0-0"}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return &propcache.Properties{FetchedAt: c.now()}, nil
	case http.StatusPartialContent:
		props := propertiesFrom(resp, c.now())
		props.AcceptRanges = true
		props.Size = contentRangeTotal(resp.Header.Get("Content-Range"))
		return props, nil
	case http.StatusOK:
		props := propertiesFrom(resp, c.now())
		props.Size = resp.ContentLength
		return props, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// Only an empty resource has no first byte.
		props := propertiesFrom(resp, c.now())
		props.Size = 0
		return props, nil
	default:
		return nil, fmt.Errorf("upstream returned %d for GET %s", resp.StatusCode, rawURL)
	}
}

// listing fetches the index page at dirURL and returns its entries, or nil
// when the page does not exist or is not HTML.
func (c *client) listing(ctx context.Context, dirURL string) ([]string, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, dirURL, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("upstream returned %d for GET %s", resp.StatusCode, dirURL)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/html" {
		return nil, false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, false, fmt.Errorf("reading listing: %w", err)
	}
	// Redirects may have moved the listing; links resolve against the final URL.
	entries, err := ParseListing(body, resp.Request.URL.String())
	if err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

// get starts a GET of rawURL, optionally from byte offset from to to
// inclusive. A negative to requests the rest of the resource.
func (c *client) get(ctx context.Context, rawURL string, from, to int64) (*http.Response, error) {
	var header http.Header
	if from > 0 || to >= 0 {
		rng := "bytes=" + strconv.FormatInt(from, 10) + "-"
		if to >= 0 {
			rng += strconv.FormatInt(to, 10)
		}
		header = http.Header{"Range": {rng}}
	}
	resp, err := c.do(ctx, http.MethodGet, rawURL, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		_ = resp.Body.Close()
		return nil, vfscache.ErrNotFound
	}
	return resp, nil
}

func propertiesFrom(resp *http.Response, now time.Time) *propcache.Properties {
	props := &propcache.Properties{
		Exists:       true,
		Size:         -1,
		ETag:         resp.Header.Get("ETag"),
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		FetchedAt:    now,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			props.ModTime = t.UTC()
		}
	}
	return props
}

// contentRangeTotal returns the complete length of a "bytes a-b/total"
// header, or -1 when it is absent or unknown.
func contentRangeTotal(v string) int64 {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
