package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Collector captures counters and gauges reported by the replication core.
type Collector interface {
	IncCounter(name string, delta float64)
	SetGauge(name string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64) {}
func (Nop) SetGauge(string, float64)   {}

// InMemory is a Collector backed by plain maps, rendered as text for the
// /metrics endpoint.
type InMemory struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func NewInMemory() *InMemory {
	return &InMemory{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func (m *InMemory) IncCounter(name string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *InMemory) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// Counter returns the current value of a counter, 0 if never incremented.
func (m *InMemory) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the last value set for a gauge, 0 if never set.
func (m *InMemory) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Render dumps all metrics as "name value" lines in sorted order.
func (m *InMemory) Render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines := make([]string, 0, len(m.counters)+len(m.gauges))
	for name, v := range m.counters {
		lines = append(lines, fmt.Sprintf("%s %g", name, v))
	}
	for name, v := range m.gauges {
		lines = append(lines, fmt.Sprintf("%s %g", name, v))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}
