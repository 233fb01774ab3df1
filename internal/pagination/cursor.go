// Package pagination provides cursor-based pagination utilities.
//
// Record listings walk source IDs downward, so a cursor is just the last
// source ID the client saw, wrapped in an opaque token.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Encode returns an opaque cursor string for a source ID.
func Encode(sourceID int64) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(sourceID, 10)))
}

// Decode parses an opaque cursor string into a source ID. Returns 0 for
// empty input, meaning "start from the newest record".
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid cursor")
	}
	return id, nil
}

// ComputePage takes a slice of items (fetched with limit+1), the requested
// limit, and a function to extract the source ID from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, sourceID func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(sourceID(items[len(items)-1])), true
}
