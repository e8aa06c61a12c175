// Package kvstore provides a small table/key/item abstraction over the
// storage backends the service runs on. Items are flat string-to-string
// documents; numeric fields are stored in decimal form so that backends can
// apply atomic increments where they support them.
package kvstore

import (
	"context"
	"errors"
	"strconv"
)

// Logical table names used across the service.
const (
	TableConnections = "connections"
	TableMessages    = "messages"
	TableGroups      = "groups"
	TableUsers       = "users"
	TableSessions    = "sessions"
)

// ErrNotFound is returned by Get when no item exists under the given key.
var ErrNotFound = errors.New("kvstore: item not found")

// Item is a flat document stored under a (table, key) pair.
type Item map[string]string

// Int64 returns the named field parsed as a base-10 integer, or 0 if the
// field is absent or malformed.
func (it Item) Int64(field string) int64 {
	n, err := strconv.ParseInt(it[field], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SetInt64 stores an integer field in decimal form.
func (it Item) SetInt64(field string, v int64) {
	it[field] = strconv.FormatInt(v, 10)
}

// Clone returns an independent copy of the item.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// Store is the key-value interface all persistence in the service goes
// through. Implementations guarantee per-item atomicity only; there are no
// multi-item transactions.
type Store interface {
	// Get returns the item stored under (table, key), or ErrNotFound.
	Get(ctx context.Context, table, key string) (Item, error)

	// Put stores the item under (table, key), overwriting any previous
	// item (last write wins).
	Put(ctx context.Context, table, key string, item Item) error

	// Update applies field assignments and integer increments to the item
	// under (table, key), creating it if absent.
	Update(ctx context.Context, table, key string, set map[string]string, incr map[string]int64) error

	// Scan returns every item in the table for which filter returns true.
	// A nil filter matches everything. Order is unspecified.
	Scan(ctx context.Context, table string, filter func(Item) bool) ([]Item, error)

	// Delete removes the item under (table, key). Deleting an absent key
	// is not an error.
	Delete(ctx context.Context, table, key string) error
}
