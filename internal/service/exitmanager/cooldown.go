package exitmanager

import (
	"sync"
	"time"
)

// Cooldowns is the pair-level cooldown registry. A cooldown is set after a
// loss exit and cleared when an orphan lot for the pair is deleted, so
// trading can resume.
type Cooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
}

// NewCooldowns creates an empty registry.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{until: map[string]time.Time{}}
}

// Set starts a cooldown for a pair.
func (c *Cooldowns) Set(pair string, d time.Duration) {
	c.mu.Lock()
	c.until[pair] = time.Now().Add(d)
	c.mu.Unlock()
}

// Active reports whether a pair is still cooling down.
func (c *Cooldowns) Active(pair string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.until[pair]
	if !ok {
		return false
	}
	if time.Now().After(t) {
		delete(c.until, pair)
		return false
	}
	return true
}

// Clear removes any cooldown for a pair.
func (c *Cooldowns) Clear(pair string) {
	c.mu.Lock()
	delete(c.until, pair)
	c.mu.Unlock()
}
