// Package smartstore is the local document store the sync engine reads from and writes to. Documents are grouped
// into named soups and are otherwise schema-less.
package smartstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// SoupEntryID is the field carrying a document's primary key in its soup.
const SoupEntryID = "_soupEntryId"

var (
	ErrSoupNotFound = errors.New("smartstore: soup does not exist")
	ErrInvalidPath  = errors.New("smartstore: invalid field path")
)

// QuerySpec selects documents in a soup. An empty Path matches every document. Results are ordered by entry id.
type QuerySpec struct {
	Path   string
	Value  any
	Limit  uint
	Offset uint
}

func MatchAll() QuerySpec {
	return QuerySpec{}
}

func Exact(path string, value any) QuerySpec {
	return QuerySpec{Path: path, Value: value}
}

type Store interface {
	RegisterSoup(ctx context.Context, soup string, indexPaths ...string) error
	HasSoup(ctx context.Context, soup string) (bool, error)
	DropSoup(ctx context.Context, soup string) error

	// Create inserts doc as a new entry, ignoring any entry id it carries.
	Create(ctx context.Context, soup string, doc map[string]any) (map[string]any, error)
	// Upsert updates the entry named by the doc's entry id, or else the entry whose externalIDPath value matches the
	// doc's, or else inserts it.
	Upsert(ctx context.Context, soup string, doc map[string]any, externalIDPath string) (map[string]any, error)
	Retrieve(ctx context.Context, soup string, ids ...int64) ([]map[string]any, error)
	// LookupByExternalID returns nil when no document matches.
	LookupByExternalID(ctx context.Context, soup string, path string, value any) (map[string]any, error)
	Query(ctx context.Context, soup string, spec QuerySpec) ([]map[string]any, error)
	IDs(ctx context.Context, soup string, spec QuerySpec) ([]int64, error)
	Count(ctx context.Context, soup string, spec QuerySpec) (int64, error)
	Delete(ctx context.Context, soup string, ids ...int64) error

	Close() error
}

// EntryID extracts the soup entry id of a document.
func EntryID(doc map[string]any) (int64, bool) {
	return AsInt64(doc[SoupEntryID])
}

// AsInt64 converts the numeric representations a document can hold after a JSON round trip.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
