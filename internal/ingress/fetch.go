package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/heicflow/internal/convert"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	userAgent           = "heicflow-fetch/1.0"
)

var ErrUnsupportedScheme = errors.New("url scheme must be http or https")

type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client. The client's own timeout is
// kept as is.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

func NewFetcher(maxBytes int64, timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	f := &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads rawURL into a conversion input. Transport failures and
// non-2xx answers are FetchErrors; a missing URL or an oversized body is a
// ValidationError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (convert.Input, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return convert.Input{}, convert.ValidationError(convert.ErrMissingURL)
	}

	u, err := parseSourceURL(rawURL)
	if err != nil {
		return convert.Input{}, convert.ValidationError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return convert.Input{}, convert.FetchError(0, fmt.Errorf("fetch %s: %w", u.Redacted(), err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return convert.Input{}, convert.FetchError(resp.StatusCode, fmt.Errorf("fetch %s: unexpected status %d", u.Redacted(), resp.StatusCode))
	}

	if resp.ContentLength > f.maxBytes {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("%w: remote declared %d bytes, max %d", convert.ErrTooLarge, resp.ContentLength, f.maxBytes))
	}

	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		if errors.Is(err, convert.ErrTooLarge) {
			return convert.Input{}, convert.ValidationError(err)
		}
		return convert.Input{}, convert.FetchError(resp.StatusCode, fmt.Errorf("read body from %s: %w", u.Redacted(), err))
	}
	if len(data) == 0 {
		return convert.Input{}, convert.ValidationError(fmt.Errorf("%w: remote body is empty", convert.ErrNoInput))
	}

	return convert.Input{
		Data:      data,
		MediaType: mediaType(resp.Header.Get("Content-Type")),
		Filename:  filenameFromURL(resp.Request.URL),
	}, nil
}

func parseSourceURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	return u, nil
}

func filenameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
