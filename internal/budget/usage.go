package budget

import "sync/atomic"

// Usage is an immutable snapshot of consumption for one scope.
type Usage struct {
	Pages    int64
	Bytes    int64
	InFlight int64
	Failures int64
}

// counter holds a Usage snapshot that is replaced wholesale by CAS, so every
// reader sees pages, bytes and in-flight counts from the same instant.
type counter struct {
	p atomic.Pointer[Usage]
}

func newCounter() *counter {
	c := &counter{}
	c.p.Store(&Usage{})
	return c
}

func (c *counter) load() Usage {
	return *c.p.Load()
}

// update applies fn until the swap wins. fn returning false aborts without
// writing.
func (c *counter) update(fn func(Usage) (Usage, bool)) bool {
	for {
		cur := c.p.Load()
		next, ok := fn(*cur)
		if !ok {
			return false
		}
		if c.p.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// claim reserves an in-flight slot unless pages plus in-flight already reach
// maxPages. Zero maxPages is unlimited.
func (c *counter) claim(maxPages int64) bool {
	return c.update(func(u Usage) (Usage, bool) {
		if maxPages > 0 && u.Pages+u.InFlight >= maxPages {
			return u, false
		}
		u.InFlight++
		return u, true
	})
}

func (c *counter) release() {
	c.update(func(u Usage) (Usage, bool) {
		if u.InFlight > 0 {
			u.InFlight--
		}
		return u, true
	})
}

func (c *counter) complete(bytes int64, failed, countPage bool) {
	c.update(func(u Usage) (Usage, bool) {
		if u.InFlight > 0 {
			u.InFlight--
		}
		if countPage {
			u.Pages++
		}
		if bytes > 0 {
			u.Bytes += bytes
		}
		if failed {
			u.Failures++
		}
		return u, true
	})
}
