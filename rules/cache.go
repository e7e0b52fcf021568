package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/patrickmn/go-cache"
	"github.com/rulepatch/rulepatch/patchlib"
)

// Cache holds the patchers opened during one operation, keyed by the path
// they were read from. There is at most one patcher per path.
type Cache struct {
	c *cache.Cache
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{c: cache.New(cache.NoExpiration, 0)}
}

// Get returns the patcher for key, opening input (normally the same as key)
// for writing to save if there isn't one yet. A read-only patcher is reopened
// if a writable one is requested.
func (c *Cache) Get(key, input, save string, writable bool) (*patchlib.Patcher, error) {
	if x, ok := c.c.Get(key); ok {
		p := x.(*patchlib.Patcher)
		if !writable || p.Writable() {
			return p, nil
		}
		Log("cache: reopening %s for writing\n", key)
		if err := p.Close(); err != nil {
			return nil, ioErr("Cache", key, err)
		}
		c.c.Delete(key)
	}
	p, err := patchlib.Open(input, save, writable)
	if err != nil {
		return nil, ioErr("Cache", input, err)
	}
	Log("cache: opened %s (save: %s, writable: %t, mapped: %t)\n", input, save, writable, p.Mapped())
	if writable {
		p.Hook(func(offset int, find, replace []byte) error {
			Log("  %s: %#x: %X -> %X\n", save, offset, find, replace)
			return nil
		})
	}
	c.c.Set(key, p, cache.NoExpiration)
	return p, nil
}

// Len returns the number of open patchers.
func (c *Cache) Len() int {
	return c.c.ItemCount()
}

func (c *Cache) each(fn func(key string, p *patchlib.Patcher) error) error {
	items := c.c.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := fn(k, items[k].Object.(*patchlib.Patcher)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush writes every writable patcher to its save file. Read-only patchers
// are untouched.
func (c *Cache) Flush() error {
	return c.each(func(key string, p *patchlib.Patcher) error {
		if err := p.Flush(); err != nil {
			return ioErr("Flush", p.SaveFile(), fmt.Errorf("flush %s: %w", key, err))
		}
		return nil
	})
}

// Close closes every patcher and empties the cache. It is not a rollback:
// patchers mapped in place have already written their changes to the file,
// and only save-as patchers lose what was not flushed.
func (c *Cache) Close() error {
	err := c.each(func(key string, p *patchlib.Patcher) error {
		return p.Close()
	})
	c.c.Flush()
	return err
}
