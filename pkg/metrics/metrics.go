package metrics

import "sync"

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Noop discards all observations.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string, float64)       {}
func (Noop) SetGauge(string, map[string]string, float64)         {}
func (Noop) ObserveHistogram(string, map[string]string, float64) {}

// InMemory keeps counters and gauges in maps, keyed by metric name. Labels are
// ignored; it exists for tests and the /metrics endpoint.
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

func (m *InMemory) IncCounter(name string, _ map[string]string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *InMemory) SetGauge(name string, _ map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *InMemory) ObserveHistogram(string, map[string]string, float64) {}

func (m *InMemory) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *InMemory) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = v
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}
