package network

import "sync"

// capCounter counts holders per key and refuses more than max. max <= 0
// disables the cap.
type capCounter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newCapCounter(max int) *capCounter {
	return &capCounter{max: max, counts: make(map[string]int)}
}

func (c *capCounter) acquire(key string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] >= c.max {
		return false
	}
	c.counts[key]++
	return true
}

func (c *capCounter) release(key string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[key] <= 1 {
		delete(c.counts, key)
		return
	}
	c.counts[key]--
}

func (c *capCounter) held(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// ipLimiter caps host connections and device sessions per remote IP.
type ipLimiter struct {
	conns   *capCounter
	streams *capCounter
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{conns: newCapCounter(maxConns), streams: newCapCounter(maxStreams)}
}

func (l *ipLimiter) acquireConn(ip string) bool   { return l.conns.acquire(ip) }
func (l *ipLimiter) releaseConn(ip string)        { l.conns.release(ip) }
func (l *ipLimiter) acquireStream(ip string) bool { return l.streams.acquire(ip) }
func (l *ipLimiter) releaseStream(ip string)      { l.streams.release(ip) }
