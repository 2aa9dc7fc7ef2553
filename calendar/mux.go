package calendar

import (
	"fmt"
	"sort"
	"sync"

	"github.com/taskmirror/calsync/internal"
)

type Mux struct {
	mu        sync.Mutex
	providers map[string]internal.Provider
}

func NewMux() *Mux {
	return &Mux{
		providers: make(map[string]internal.Provider),
	}
}

func (m *Mux) Get(platform string) (internal.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	provider, ok := m.providers[platform]
	if !ok {
		return nil, fmt.Errorf("calendar %q is not implemented", platform)
	}
	return provider, nil
}

func (m *Mux) Register(platform string, provider internal.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[platform] = provider
}

func (m *Mux) Platforms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	platforms := make([]string, 0, len(m.providers))
	for p := range m.providers {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}
