// Package pagination provides opaque cursors for walking payment history
// newest-first. A cursor names the last record a caller has seen by
// (timestamp, settlement ref); the next page starts strictly after it.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a payment history listing.
type Cursor struct {
	Timestamp time.Time
	Ref       string
}

// Encode returns the opaque string form of a position.
func Encode(ts time.Time, ref string) string {
	raw := fmt.Sprintf("%d|%s", ts.UnixNano(), ref)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input is not an error; it means
// "start from the newest record" and decodes to nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		Timestamp: time.Unix(0, nanos).UTC(),
		Ref:       parts[1],
	}, nil
}

// Matches reports whether a record key is the position the cursor names.
func (c *Cursor) Matches(ts time.Time, ref string) bool {
	return c != nil && c.Ref == ref && c.Timestamp.Equal(ts.UTC())
}

// Page trims a newest-first slice to one page. items must hold at most
// limit+1 entries; the extra entry, when present, signals another page and
// yields the next cursor via extractKey on the last kept item.
func Page[T any](items []T, limit int, extractKey func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	ts, ref := extractKey(items[len(items)-1])
	return items, Encode(ts, ref), true
}
