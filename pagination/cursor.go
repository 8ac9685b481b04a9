// Package pagination provides opaque keyset cursors for ledger history.
// A cursor encodes the (created_at, id) position of the last row of a page;
// the next page starts strictly after it in newest-first order.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultLimit is the default page size if not specified
	DefaultLimit = 50
	// MaxLimit is the maximum allowed page size
	MaxLimit = 500
)

// Cursor is a stable pagination position. SortKey is created_at in unix
// nanoseconds, so rows created within the same millisecond stay ordered.
type Cursor struct {
	SortKey int64
	ID      string
}

// FromTime builds a cursor from a row timestamp.
func FromTime(t time.Time, id string) Cursor {
	return Cursor{SortKey: t.UnixNano(), ID: id}
}

// Time returns the cursor position as a UTC time.
func (c Cursor) Time() time.Time {
	return time.Unix(0, c.SortKey).UTC()
}

// Encode serializes the cursor to an opaque string for clients.
// Format: base64url("sk:{sort_key}:id:{id}")
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("sk:%d:id:%s", c.SortKey, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an encoded cursor string. An empty string is no cursor.
func Decode(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	raw := string(data)
	if !strings.HasPrefix(raw, "sk:") {
		return nil, fmt.Errorf("invalid cursor format: missing sk prefix")
	}

	parts := strings.SplitN(raw[len("sk:"):], ":id:", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format: missing id segment")
	}

	sortKey, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor key: %w", err)
	}

	return &Cursor{SortKey: sortKey, ID: parts[1]}, nil
}

// ClampLimit ensures limit is within valid bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
