package platform

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ChannelKey is the composite identity of one subscribed channel.
type ChannelKey struct {
	Platform  Platform
	ChannelID string
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s:%s", k.Platform, k.ChannelID)
}

type registryEntry struct {
	adapter Adapter
	since   time.Time
}

// Registry maps channel identity to its adapter instance. It is mutated only
// by connect/disconnect paths; reads take a snapshot under the same lock so a
// read never races a write.
type Registry struct {
	mu      sync.RWMutex
	entries map[ChannelKey]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[ChannelKey]registryEntry)}
}

// Add registers an adapter for key. It returns false when the key is already
// present; the existing adapter stays registered.
func (r *Registry) Add(key ChannelKey, a Adapter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return false
	}
	r.entries[key] = registryEntry{adapter: a, since: time.Now().UTC()}
	return true
}

// Remove deregisters the adapter for key and returns it, or nil if absent.
func (r *Registry) Remove(key ChannelKey) Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	return e.adapter
}

// Get returns the adapter for key, or nil.
func (r *Registry) Get(key ChannelKey) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key].adapter
}

// Len reports the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StatusEntry is one row of a registry snapshot, for /status reporting.
type StatusEntry struct {
	Platform  Platform  `json:"platform"`
	ChannelID string    `json:"channelId"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since"`
}

// Snapshot returns the current registry contents sorted by key, decoupled
// from the live map.
func (r *Registry) Snapshot() []StatusEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StatusEntry, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, StatusEntry{
			Platform:  k.Platform,
			ChannelID: k.ChannelID,
			State:     e.adapter.State().String(),
			Connected: e.adapter.IsConnected(),
			Since:     e.since,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// DisconnectAll disconnects every registered adapter and clears the registry.
// Used on graceful shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[ChannelKey]registryEntry)
	r.mu.Unlock()
	for _, e := range entries {
		_ = e.adapter.Disconnect()
	}
}
