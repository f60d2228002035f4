package udp

import (
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
)

// association is one entry in the NAT-style cache: an owned upstream UDP
// socket plus the peer endpoint replies must be routed back to. The
// cache is the sole owner of conn; closing it (via evict) is what
// removes the map entry.
type association struct {
	key        string
	conn       *net.UDPConn
	peer       *net.UDPAddr     // client mode: the configured Shadowsocks server is the dest, not stored here
	clientAddr *net.UDPAddr     // where replies on the listen socket must be sent
	destAddr   *address.Address // client mode only: the parsed SOCKS5 destination, for reply re-framing

	mu         sync.Mutex
	lastActive time.Time
}

func (a *association) touch() {
	a.mu.Lock()
	a.lastActive = time.Now()
	a.mu.Unlock()
}

func (a *association) idleSince(now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Sub(a.lastActive)
}

// cache maps a NAT key (see keyFor) to its association, evicting LRU
// entries past a size cap and idle entries past a TTL. Evicted upstream
// sockets are closed exactly once, by whichever path (eviction sweep or
// explicit close notification) notices first.
type cache struct {
	mu    sync.Mutex
	byKey map[string]*association

	maxEntries int
	onEvict    func(*association) // invoked after an entry's socket is closed
}

func newCache(maxEntries int) *cache {
	return &cache{byKey: make(map[string]*association), maxEntries: maxEntries}
}

func (c *cache) evicted(a *association) {
	if c.onEvict != nil {
		c.onEvict(a)
	}
}

func (c *cache) get(key string) (*association, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byKey[key]
	return a, ok
}

// getOrCreate returns the cached association for key, or calls create to
// build a fresh one and inserts it. create is called outside the lock so
// that socket creation (which may block or fail) never holds the cache
// mutex.
func (c *cache) getOrCreate(key string, create func() (*association, error)) (*association, bool, error) {
	c.mu.Lock()
	if a, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		return a, false, nil
	}
	c.mu.Unlock()

	a, err := create()
	if err != nil {
		return nil, false, err
	}
	a.key = key

	c.mu.Lock()
	if existing, ok := c.byKey[key]; ok {
		c.mu.Unlock()
		a.conn.Close()
		return existing, false, nil
	}
	c.byKey[key] = a
	evictLen := len(c.byKey)
	c.mu.Unlock()

	if c.maxEntries > 0 && evictLen > c.maxEntries {
		c.evictOldest()
	}
	return a, true, nil
}

func (c *cache) remove(key string) {
	c.mu.Lock()
	a, ok := c.byKey[key]
	if ok {
		delete(c.byKey, key)
	}
	c.mu.Unlock()
	if ok {
		a.conn.Close()
		c.evicted(a)
	}
}

func (c *cache) evictOldest() {
	c.mu.Lock()
	var oldestKey string
	var oldest time.Time
	first := true
	for k, a := range c.byKey {
		a.mu.Lock()
		la := a.lastActive
		a.mu.Unlock()
		if first || la.Before(oldest) {
			oldest = la
			oldestKey = k
			first = false
		}
	}
	var victim *association
	if !first {
		victim = c.byKey[oldestKey]
		delete(c.byKey, oldestKey)
	}
	c.mu.Unlock()
	if victim != nil {
		victim.conn.Close()
		c.evicted(victim)
	}
}

// evictIdle closes and removes every association that has been idle for
// longer than maxIdle. Called periodically by Relay's janitor loop to
// bound resource usage.
func (c *cache) evictIdle(maxIdle time.Duration) {
	now := time.Now()
	c.mu.Lock()
	var victims []*association
	for k, a := range c.byKey {
		if a.idleSince(now) > maxIdle {
			victims = append(victims, a)
			delete(c.byKey, k)
		}
	}
	c.mu.Unlock()
	for _, a := range victims {
		a.conn.Close()
		c.evicted(a)
	}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

func (c *cache) all() []*association {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*association, 0, len(c.byKey))
	for _, a := range c.byKey {
		out = append(out, a)
	}
	return out
}
