package health

import (
	"sort"
	"sync"
)

// Checker reports the current health of one component.
type Checker func() Status

// Monitor aggregates the health of named components. Each component is
// evaluated on demand through its Checker, so the result always reflects
// live state (kernel handle, link connection, queue depths).
type Monitor struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewMonitor creates an empty health monitor
func NewMonitor() *Monitor {
	return &Monitor{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker for name
func (m *Monitor) Register(name string, check Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = check
}

// Remove stops monitoring name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
}

// Check evaluates a single component
func (m *Monitor) Check(name string) (Status, bool) {
	m.mu.RLock()
	check, ok := m.checkers[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	status := check()
	status.Component = name
	return status, true
}

// Components returns the monitored component names in sorted order
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth evaluates every component and aggregates the result.
// Checkers run outside the monitor lock.
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.Components()
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if status, ok := m.Check(name); ok {
			subs = append(subs, status)
		}
	}
	return Aggregate(systemName, subs)
}
