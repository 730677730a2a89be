package trace

// Cache is a process-wide, single-threaded mapping from bytecode
// instruction pointer to installed trace. It is passed explicitly to
// whoever needs it rather than living in a package global.
type Cache struct {
	traces map[int]*Trace
}

func NewCache() *Cache {
	return &Cache{traces: make(map[int]*Trace)}
}

// Lookup returns the trace installed at ip, if its state is Compiled.
func (c *Cache) Lookup(ip int) (*Trace, bool) {
	t, ok := c.traces[ip]
	if !ok || t.State != Compiled {
		return nil, false
	}
	return t, true
}

// Install records t as the compiled trace for its entry address. t.State
// must already be Compiled.
func (c *Cache) Install(t *Trace) {
	c.traces[t.EntryIP] = t
}

// Evict removes any installed trace at ip, e.g. when the owning code
// object is released.
func (c *Cache) Evict(ip int) {
	delete(c.traces, ip)
}
