package sip

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// HeaderCache keeps the decoded SIP header of each device. Headers are
// decoded at most once per device while they stay in the cache.
type HeaderCache struct {
	headers *lru.Cache[string, *Header]
	group   singleflight.Group
}

func NewHeaderCache(size int) (*HeaderCache, error) {
	c, err := lru.New[string, *Header](size)
	if err != nil {
		return nil, err
	}
	return &HeaderCache{headers: c}, nil
}

// Get returns the header cached for device, calling load and decoding its
// result on a miss. Concurrent misses for the same device share one load.
func (c *HeaderCache) Get(device string, load func() ([]byte, error)) (*Header, error) {
	if h, ok := c.headers.Get(device); ok {
		return h, nil
	}
	v, err, _ := c.group.Do(device, func() (interface{}, error) {
		if h, ok := c.headers.Get(device); ok {
			return h, nil
		}
		raw, err := load()
		if err != nil {
			return nil, err
		}
		h, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		c.headers.Add(device, h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Header), nil
}

// Purge drops every cached header.
func (c *HeaderCache) Purge() {
	c.headers.Purge()
}

func (c *HeaderCache) Len() int {
	return c.headers.Len()
}
