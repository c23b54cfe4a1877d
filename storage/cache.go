// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// average entry size used to turn a byte budget into an entry count
	cacheEntrySizeEstimate = 256
	minCacheEntries        = 128
)

// Cache is a read cache of committed values. It is created before the
// store and may outlive it
type Cache struct {
	lru    *lru.Cache[string, []byte]
	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewCache creates a cache sized for roughly sizeBytes of values
func NewCache(sizeBytes uint64, promRegistry prometheus.Registerer) (*Cache, error) {
	entries := int(sizeBytes / cacheEntrySizeEstimate) //nolint:gosec
	if entries < minCacheEntries {
		entries = minCacheEntries
	}
	l, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	c := &Cache{lru: l}
	if promRegistry != nil {
		promautoFactory := promauto.With(promRegistry)
		c.hits = promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_storage_cache_hits_total",
			Help: "number of storage reads served from the cache",
		})
		c.misses = promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_storage_cache_misses_total",
			Help: "number of storage reads that missed the cache",
		})
	}
	return c, nil
}

func (c *Cache) Get(key string) ([]byte, bool) {
	val, ok := c.lru.Get(key)
	if ok {
		if c.hits != nil {
			c.hits.Inc()
		}
	} else if c.misses != nil {
		c.misses.Inc()
	}
	return val, ok
}

func (c *Cache) Add(key string, val []byte) {
	c.lru.Add(key, val)
}

func (c *Cache) Remove(key string) {
	c.lru.Remove(key)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.lru.Purge()
}
