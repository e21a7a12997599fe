package trading

import (
	"sort"
	"time"
)

// CooldownRegistry maps a scope (a symbol or GlobalScope) to the time it
// becomes tradeable again. Not safe for concurrent use; the Engine guards it.
type CooldownRegistry struct {
	entries map[string]CooldownEntry
}

func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{entries: make(map[string]CooldownEntry)}
}

// Register records a cooldown. An existing entry is only replaced by one
// that expires later.
func (c *CooldownRegistry) Register(scope string, reason CooldownReason, expiry time.Time) CooldownEntry {
	entry := CooldownEntry{Scope: scope, Reason: reason, Expiry: expiry}
	if cur, ok := c.entries[scope]; ok && !expiry.After(cur.Expiry) {
		return cur
	}
	c.entries[scope] = entry
	return entry
}

// Active returns the cooldown blocking symbol at now. The global entry wins
// over the symbol entry. Expired entries are purged on read.
func (c *CooldownRegistry) Active(symbol string, now time.Time) (CooldownEntry, bool) {
	if e, ok := c.lookup(GlobalScope, now); ok {
		return e, true
	}
	return c.lookup(symbol, now)
}

func (c *CooldownRegistry) lookup(scope string, now time.Time) (CooldownEntry, bool) {
	e, ok := c.entries[scope]
	if !ok {
		return CooldownEntry{}, false
	}
	if !now.Before(e.Expiry) {
		delete(c.entries, scope)
		return CooldownEntry{}, false
	}
	return e, true
}

// Clear removes every entry registered for reason and returns them with a
// zero expiry so stores can drop them.
func (c *CooldownRegistry) Clear(reason CooldownReason) []CooldownEntry {
	var cleared []CooldownEntry
	for scope, e := range c.entries {
		if e.Reason == reason {
			delete(c.entries, scope)
			e.Expiry = time.Time{}
			cleared = append(cleared, e)
		}
	}
	return cleared
}

// Entries lists unexpired cooldowns sorted by scope.
func (c *CooldownRegistry) Entries(now time.Time) []CooldownEntry {
	out := make([]CooldownEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if now.Before(e.Expiry) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}
