package matches

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"
)

// DefaultTimeout bounds a single fetch of the matches document.
const DefaultTimeout = 15 * time.Second

// maxBodySize caps the matches document; anything larger is not a match list.
const maxBodySize = 8 << 20

// ErrTooLarge is wrapped in a FetchError when the document exceeds maxBodySize.
var ErrTooLarge = xerrors.New("matches document exceeds 8 MiB")

const userAgent = "match-sync/1.0 (+https://github.com/beekhof/match-sync)"

// FetchError reports that the matches document could not be retrieved or decoded.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch matches from %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher retrieves the match list from a JSON document served over HTTP.
type Fetcher struct {
	client *http.Client
	url    string
}

// NewFetcher creates a Fetcher for rawURL. A nil client gets one with DefaultTimeout.
func NewFetcher(rawURL string, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Fetcher{client: client, url: rawURL}
}

// Fetch downloads and decodes the match list.
// Every failure is returned as a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context) ([]Match, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, &FetchError{URL: redactURL(f.url), Err: err}
	}

	var decoded []Match
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, &FetchError{URL: redactURL(f.url), Err: xerrors.Errorf("decode matches: %w", err)}
	}

	matches := make([]Match, 0, len(decoded))
	for i, m := range decoded {
		if m.UID == "" {
			log.Printf("Warning: skipping match %d (%q) without uid", i, m.Name)
			continue
		}
		matches = append(matches, m)
	}

	return matches, nil
}

func (f *Fetcher) get(ctx context.Context) ([]byte, error) {
	return download(ctx, f.client, f.url, http.Header{"Accept": {"application/json"}})
}

// download GETs rawURL and returns the body, refusing bodies over maxBodySize.
func download(ctx context.Context, client *http.Client, rawURL string, header http.Header) ([]byte, error) {
	if rawURL == "" {
		return nil, xerrors.New("matches URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, xerrors.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, xerrors.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, xerrors.Errorf("read body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, ErrTooLarge
	}

	return body, nil
}

// redactURL drops query and userinfo so tokens embedded in the URL stay out of logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
