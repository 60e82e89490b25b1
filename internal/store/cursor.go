package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is the decoded form of a pagination token: the boundary row's
// timestamp and id. id may itself contain '|'; only the first '|' in the
// decoded string is treated as the separator (§4.8).
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode produces the opaque `base64url(timestamp|id)` token for c.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d|%s", c.Timestamp.UnixNano(), c.ID)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("store: invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("store: malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("store: malformed cursor timestamp: %w", err)
	}
	return Cursor{Timestamp: time.Unix(0, nanos), ID: parts[1]}, nil
}

// Page is a generic cursor-paginated result envelope.
type Page[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor string
}

// paginate applies the "ask for limit+1" rule shared by every list query:
// rows is expected to already be ordered and capped at limit+1 by the
// caller's SQL. idOf/tsOf extract the boundary fields from the last kept
// row.
func paginate[T any](rows []T, limit int, idOf func(T) string, tsOf func(T) time.Time) Page[T] {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	page := Page[T]{Items: rows, HasMore: hasMore}
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		page.NextCursor = Cursor{Timestamp: tsOf(last), ID: idOf(last)}.Encode()
	}
	return page
}
