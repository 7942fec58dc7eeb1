package transport

import (
	"golang.org/x/sync/singleflight"
)

// Coalescer de-duplicates identical in-flight reads: all callers for the same
// request key share one physical request and its result. Only GET/HEAD reads
// go through here; mutations are never shared. The singleflight entry is
// dropped when the call settles, so a later request starts fresh.
type Coalescer struct {
	group singleflight.Group
}

// NewCoalescer creates an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// Do executes fn for key, or joins an in-flight call for the same key.
func (c *Coalescer) Do(key string, fn func() (*Response, error)) (*Response, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if v == nil {
		return nil, err
	}
	return v.(*Response), err
}
