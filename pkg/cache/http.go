package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTTL is the fallback TTL when no Expires header is present.
const DefaultTTL = 6 * time.Hour

// EntryFromResponse converts an HTTP response to an Entry.
// The body is read and restored so the caller can still decode it.
// Expiry comes from the Expires header, falling back to fallbackTTL.
func EntryFromResponse(resp *http.Response, fallbackTTL time.Duration) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := time.Now()
	return &Entry{
		Data:     body,
		Expires:  parseExpires(resp.Header, now, fallbackTTL),
		CachedAt: now,
	}, nil
}

// parseExpires returns the Expires header as a time, or now+fallback when it
// is absent or malformed. A past Expires yields now so the entry is not stored.
func parseExpires(headers http.Header, now time.Time, fallback time.Duration) time.Time {
	raw := headers.Get("Expires")
	if raw == "" {
		return now.Add(fallback)
	}

	expires, err := http.ParseTime(raw)
	if err != nil {
		return now.Add(fallback)
	}
	if expires.Before(now) {
		return now
	}
	return expires
}
