package memtable

import (
	"github.com/dgraph-io/ristretto/v2"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// NodeCache keeps decoded tree nodes of committed pages so that hot pages are
// not parsed again on every read transaction. The page image is still fetched,
// and verified when the source checks checksums, before the cache is consulted.
//
// Entries are tagged with the txn stamp of the page image they were decoded
// from. A page number only ever carries one image per stamp, so a lookup that
// presents the stamp read from the live page header can never return a node
// decoded from an older image of a reused page.
type NodeCache struct {
	cache *ristretto.Cache[uint64, cachedNode]
}

type cachedNode struct {
	stamp uint64
	node  any
}

// NewNodeCache returns a cache bounded to roughly maxBytes of decoded nodes.
// A non-positive size disables caching; the nil cache is valid and empty.
func NewNodeCache(maxBytes int64) (*NodeCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	counters := max(maxBytes/512, 1024) // ~10x the expected number of resident nodes
	c, err := ristretto.NewCache(&ristretto.Config[uint64, cachedNode]{
		NumCounters:        counters,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &NodeCache{cache: c}, nil
}

// Get returns the node decoded from page id at stamp.
func (c *NodeCache) Get(id pagemanager.PageID, stamp uint64) (any, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.cache.Get(uint64(id))
	if !ok || e.stamp != stamp {
		return nil, false
	}
	return e.node, true
}

// Put stores node for page id at stamp. cost is the approximate size in bytes.
// Nodes handed to the cache must not be modified afterwards.
func (c *NodeCache) Put(id pagemanager.PageID, stamp uint64, node any, cost int64) {
	if c == nil {
		return
	}
	c.cache.Set(uint64(id), cachedNode{stamp: stamp, node: node}, max(cost, 1))
}

// Wait blocks until buffered writes are applied. Used by tests.
func (c *NodeCache) Wait() {
	if c != nil {
		c.cache.Wait()
	}
}

// Close stops the cache goroutines.
func (c *NodeCache) Close() {
	if c != nil {
		c.cache.Close()
	}
}
