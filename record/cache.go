package record

import (
	"github.com/dgraph-io/ristretto"

	"github.com/engramlabs/engram-go/core"
)

// cache is a bounded read-through cache in front of Get. Records are
// immutable, so entries only need dropping when a derived column
// (embedding, assessment) is written.
type cache struct {
	inner *ristretto.Cache
}

func newCache(maxEntries int64) (*cache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &cache{inner: inner}, nil
}

func (c *cache) get(id string) (*core.Record, bool) {
	v, ok := c.inner.Get(id)
	if !ok {
		return nil, false
	}
	r, ok := v.(*core.Record)
	return r, ok
}

func (c *cache) put(r *core.Record) {
	c.inner.Set(r.ID, r, 1)
}

func (c *cache) drop(id string) {
	c.inner.Del(id)
}

func (c *cache) close() {
	c.inner.Close()
}
