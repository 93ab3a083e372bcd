package devices

import "sync"

// IdentityMap resolves an assigned network address back to the hardware
// address holding it. Entries live independently of device records.
type IdentityMap struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewIdentityMap creates an empty map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[string]string)}
}

// Bind records or overwrites the owner of address.
func (m *IdentityMap) Bind(address, hw string) {
	addr := NormalizeAddress(address)
	if addr == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[addr] = NormalizeHardwareAddr(hw)
}

// Resolve looks up the hardware address bound to address. A miss is a
// normal outcome for hosts that never leased from us.
func (m *IdentityMap) Resolve(address string) (string, bool) {
	addr := NormalizeAddress(address)
	m.mu.RLock()
	defer m.mu.RUnlock()
	hw, ok := m.entries[addr]
	return hw, ok
}

// UnbindHardwareAddr removes every address still bound to hw and returns how
// many were removed.
func (m *IdentityMap) UnbindHardwareAddr(hw string) int {
	key := NormalizeHardwareAddr(hw)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for addr, owner := range m.entries {
		if owner == key {
			delete(m.entries, addr)
			removed++
		}
	}
	return removed
}

// Snapshot returns a copy of all entries.
func (m *IdentityMap) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.entries))
	for addr, hw := range m.entries {
		out[addr] = hw
	}
	return out
}

// Len reports the number of entries.
func (m *IdentityMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
