package common

import "sync"

// VersionInfo collects "<Name> <version>" strings for display.
type VersionInfo struct {
	mu      sync.Mutex
	entries []string
}

// Add appends a component version.
func (v *VersionInfo) Add(name, version string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries = append(v.entries, name+" "+version)
}

// List returns a copy of the collected entries in insertion order.
func (v *VersionInfo) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.entries))
	copy(out, v.entries)
	return out
}
