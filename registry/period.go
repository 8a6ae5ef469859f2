package registry

import (
	"sort"
	"sync"
	"time"
)

// PeriodStrategy is the domain-local contract for temporal semantics: how
// to derive a period-end from a publication date and how to validate and
// format it. Every domain (FINRA's weekly Friday periods, a monthly
// report, ...) supplies its own.
type PeriodStrategy interface {
	DerivePeriodEnd(publishDate time.Time) time.Time
	ValidateDate(d time.Time) error
	FormatForFilename(d time.Time) string
	FormatForDisplay(d time.Time) string
}

// PeriodRegistry is a name→PeriodStrategy map, identical in shape to
// PipelineRegistry but kept as a distinct type so a domain cannot
// accidentally register a period strategy under the pipeline registry or
// vice versa.
type PeriodRegistry struct {
	mu         sync.RWMutex
	strategies map[string]PeriodStrategy
}

func NewPeriodRegistry() *PeriodRegistry {
	return &PeriodRegistry{strategies: make(map[string]PeriodStrategy)}
}

func (r *PeriodRegistry) Register(name string, strategy PeriodStrategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return wrapDuplicate(name)
	}
	r.strategies[name] = strategy
	return nil
}

func (r *PeriodRegistry) Get(name string) (PeriodStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, wrapNotFound(name)
	}
	return s, nil
}

func (r *PeriodRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
