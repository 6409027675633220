// Package resolve provides ResolveFuncs that produce the expiring playlist
// URL a pipeline follows.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"hls-livepipe/internal/fetch"
	"hls-livepipe/internal/pipeline"
)

// ErrEmptyResolution is returned when a resolver endpoint answers with an
// empty body.
var ErrEmptyResolution = errors.New("resolver returned no playlist url")

// Getter is the subset of *fetch.Fetcher used by Endpoint.
type Getter interface {
	FetchWithRetries(ctx context.Context, rawURL string, maxTries int, onWarning fetch.WarningFunc) (*bytes.Buffer, error)
}

// Static always resolves to playlistURL. It suits playlist URLs whose expiry
// lies beyond the lifetime of the pipeline.
func Static(playlistURL string) pipeline.ResolveFunc {
	return func(context.Context, bool) (string, error) {
		return playlistURL, nil
	}
}

// Endpoint resolves by asking an external API. The endpoint is fetched with
// a "first" query parameter set to "1" or "0" and must answer with the
// playlist URL as plain text.
func Endpoint(g Getter, endpoint string, maxTries int) pipeline.ResolveFunc {
	return func(ctx context.Context, first bool) (string, error) {
		reqURL, err := withFirst(endpoint, first)
		if err != nil {
			return "", err
		}
		body, err := g.FetchWithRetries(ctx, reqURL, maxTries, nil)
		if err != nil {
			return "", fmt.Errorf("resolver %s: %w", endpoint, err)
		}
		playlistURL := strings.TrimSpace(body.String())
		if playlistURL == "" {
			return "", ErrEmptyResolution
		}
		return playlistURL, nil
	}
}

// Template returns a factory building an Endpoint resolver per stream name,
// substituting the escaped name for every "{stream}" in tmpl.
func Template(g Getter, tmpl string, maxTries int) func(stream string) pipeline.ResolveFunc {
	return func(stream string) pipeline.ResolveFunc {
		return Endpoint(g, strings.ReplaceAll(tmpl, "{stream}", url.PathEscape(stream)), maxTries)
	}
}

func withFirst(endpoint string, first bool) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", fetch.ErrInvalidURL, err)
	}
	q := u.Query()
	if first {
		q.Set("first", "1")
	} else {
		q.Set("first", "0")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
