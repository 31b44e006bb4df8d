package service

import (
	"sort"
	"sync"
)

// IdentityMap records which stable identity each transport device id resolved
// to. Entries are only added or overwritten, so recording the same pair twice
// is harmless. Safe for concurrent use.
type IdentityMap struct {
	mu         sync.RWMutex
	byDevice   map[string]string
	identities map[string]int
}

// NewIdentityMap returns an empty map.
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{
		byDevice:   make(map[string]string),
		identities: make(map[string]int),
	}
}

// Record maps deviceID to identity, replacing any earlier mapping.
func (m *IdentityMap) Record(deviceID, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.byDevice[deviceID]; ok {
		if prev == identity {
			return
		}
		if m.identities[prev]--; m.identities[prev] <= 0 {
			delete(m.identities, prev)
		}
	}
	m.byDevice[deviceID] = identity
	m.identities[identity]++
}

// Lookup returns the identity deviceID resolved to.
func (m *IdentityMap) Lookup(deviceID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDevice[deviceID]
	return id, ok
}

// Resolve returns the identity for peerID, which may be either a device id or
// an already-resolved identity.
func (m *IdentityMap) Resolve(peerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byDevice[peerID]; ok {
		return id, true
	}
	if m.identities[peerID] > 0 {
		return peerID, true
	}
	return "", false
}

// Devices returns the device ids mapped to identity, sorted.
func (m *IdentityMap) Devices(identity string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for dev, id := range m.byDevice {
		if id == identity {
			out = append(out, dev)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of mapped devices.
func (m *IdentityMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byDevice)
}
