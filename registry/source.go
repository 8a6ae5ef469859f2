package registry

import (
	"sort"
	"sync"
)

// Payload is a fetched source snapshot: raw content plus metadata the
// ingest pipeline may need (content-type, fetched_at, request params).
type Payload struct {
	Content  []byte
	Metadata map[string]interface{}
}

// SourceStrategy is the domain-local fetcher contract: how to retrieve a
// partition's source payload. The domain decides transport (file, HTTP
// API, message queue) entirely on its own; the core never imports an
// HTTP client or file reader on the source's behalf.
type SourceStrategy interface {
	Fetch() (Payload, error)
}

// SourceRegistry is a name→SourceStrategy map, isolated per domain like
// PipelineRegistry and PeriodRegistry.
type SourceRegistry struct {
	mu         sync.RWMutex
	strategies map[string]SourceStrategy
}

func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{strategies: make(map[string]SourceStrategy)}
}

func (r *SourceRegistry) Register(name string, strategy SourceStrategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return wrapDuplicate(name)
	}
	r.strategies[name] = strategy
	return nil
}

func (r *SourceRegistry) Get(name string) (SourceStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, wrapNotFound(name)
	}
	return s, nil
}

func (r *SourceRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
