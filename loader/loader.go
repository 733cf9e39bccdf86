// Package loader is the embedded-application registry: the name-to-ELF
// lookup behind exec and spawn. Names are normalized with
// golang.org/x/text/unicode/norm before comparison so lookups are not
// tripped up by Unicode forms that render identically but compare
// unequal byte-for-byte.
package loader

import (
	"sync"

	"golang.org/x/text/unicode/norm"

	"rvcore/defs"
)

// Registry holds the embedded application images available to
// exec/spawn, keyed by NFC-normalized name.
type Registry struct {
	mu   sync.RWMutex
	apps map[string][]byte
}

// NewRegistry returns an empty application registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string][]byte)}
}

func normalize(name string) string {
	return norm.NFC.String(name)
}

// Register adds or replaces the ELF image for name.
func (r *Registry) Register(name string, elf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[normalize(name)] = elf
}

// Lookup returns the ELF bytes registered under name, or defs.ENOENT
// if no such application is embedded.
func (r *Registry) Lookup(name string) ([]byte, defs.Err_t) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.apps[normalize(name)]
	if !ok {
		return nil, -defs.ENOENT
	}
	return data, 0
}

// Names returns the registered application names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for n := range r.apps {
		names = append(names, n)
	}
	return names
}
