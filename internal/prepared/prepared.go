// Package prepared implements a bi-directional prepared-query cache:
// a logical query key maps to a server-assigned QueryId, and a
// QueryId maps back to the originating query text. Lazy preparation
// of the same query text from concurrent callers is coalesced with
// golang.org/x/sync/singleflight, grounded on agent/consul/acl.go's
// identityGroup usage of the same package to de-duplicate concurrent
// lookups of the same key.
package prepared

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cql-io/cqlio/internal/cqlerr"
)

// QueryId is the server-assigned opaque identifier for a prepared
// statement.
type QueryId string

// Cache is the two-index prepared-query map.
type Cache struct {
	mu       sync.RWMutex
	byQuery  map[string]QueryId
	byID     map[QueryId]string
	group    singleflight.Group
}

func New() *Cache {
	return &Cache{
		byQuery: make(map[string]QueryId),
		byID:    make(map[QueryId]string),
	}
}

// Lookup returns the cached QueryId for queryText, if present.
func (c *Cache) Lookup(queryText string) (QueryId, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byQuery[queryText]
	return id, ok
}

// QueryText returns the originating query text for a QueryId, if
// present; consulted on Unprepared(id) errors where only the id is
// known.
func (c *Cache) QueryText(id QueryId) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.byID[id]
	return q, ok
}

// Insert records a successful PREPARE result. Both indices are
// updated under a single critical section so insert/lookup observe a
// consistent view. A logical query key that would map to a different
// QueryId than one already recorded for it is a fatal HashCollision:
// the server is expected to be deterministic for identical query text
// plus keyspace.
func (c *Cache) Insert(queryText string, id QueryId) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byQuery[queryText]; ok && existing != id {
		return cqlerr.New(cqlerr.KindHashCollision).WithReason(
			"query " + queryText + " previously prepared as " + string(existing) + ", now " + string(id))
	}
	c.byQuery[queryText] = id
	c.byID[id] = queryText
	return nil
}

// EnsurePrepared returns the cached id for queryText, or runs prepare
// exactly once across any concurrently-arriving callers for the same
// text (the LazyPrepare path), caching and returning its
// result to all of them.
func (c *Cache) EnsurePrepared(ctx context.Context, queryText string, prepare func(ctx context.Context, queryText string) (QueryId, error)) (QueryId, error) {
	if id, ok := c.Lookup(queryText); ok {
		return id, nil
	}

	v, err, _ := c.group.Do(queryText, func() (interface{}, error) {
		if id, ok := c.Lookup(queryText); ok {
			return id, nil
		}
		id, err := prepare(ctx, queryText)
		if err != nil {
			return QueryId(""), err
		}
		if err := c.Insert(queryText, id); err != nil {
			return QueryId(""), err
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(QueryId), nil
}

// Len reports the number of distinct cached queries, for diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byQuery)
}

// QueryTexts returns every distinct query text prepared so far, used
// to re-prepare against a host that has just come back up.
func (c *Cache) QueryTexts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byQuery))
	for q := range c.byQuery {
		out = append(out, q)
	}
	return out
}
