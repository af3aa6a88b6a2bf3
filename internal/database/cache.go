package database

import (
	"context"
	"sync"

	"github.com/koba/db-sandbox/internal/schema"
)

// Cache memoizes live table schemas per table reference. It implements
// validate.SchemaSource. The surrounding application fires Invalidate on
// DDL so the next validation re-fetches; invalidation never touches staged
// changes.
type Cache struct {
	db Database

	mu      sync.Mutex
	schemas map[schema.TableRef]*schema.TableSchema
}

// NewCache wraps a live database in a memoizing schema source.
func NewCache(db Database) *Cache {
	return &Cache{
		db:      db,
		schemas: make(map[schema.TableRef]*schema.TableSchema),
	}
}

// TableSchema returns the cached structure for a table, fetching it on
// first use. Fetch failures are not cached.
func (c *Cache) TableSchema(ctx context.Context, ref schema.TableRef) (*schema.TableSchema, error) {
	c.mu.Lock()
	cached, ok := c.schemas[ref]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	live, err := c.db.TableSchema(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.schemas[ref] = live
	c.mu.Unlock()
	return live, nil
}

// Invalidate drops cached entries: all of them, or only the given tables.
func (c *Cache) Invalidate(refs ...schema.TableRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(refs) == 0 {
		c.schemas = make(map[schema.TableRef]*schema.TableSchema)
		return
	}
	for _, ref := range refs {
		delete(c.schemas, ref)
	}
}
