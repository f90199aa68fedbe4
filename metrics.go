package flowguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Collector is the engine's internal metrics surface: counters and gauges
// with label sets, exportable as Prometheus text for the /metrics route.
type Collector struct {
	mu       sync.RWMutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
}

func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]map[string]int64),
		gauges:   make(map[string]map[string]float64),
	}
}

func (c *Collector) IncrementCounter(name string, labels map[string]string) {
	c.AddCounter(name, 1, labels)
}

func (c *Collector) AddCounter(name string, delta int64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counters[name] == nil {
		c.counters[name] = make(map[string]int64)
	}
	c.counters[name][labelKey(labels)] += delta
}

func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gauges[name] == nil {
		c.gauges[name] = make(map[string]float64)
	}
	c.gauges[name][labelKey(labels)] = value
}

// CounterValue reads a counter back out, mainly for tests.
func (c *Collector) CounterValue(name string, labels map[string]string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name][labelKey(labels)]
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// ExportPrometheus renders every counter and gauge in Prometheus text
// exposition format.
func (c *Collector) ExportPrometheus() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out strings.Builder
	for _, name := range sortedKeys(c.counters) {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for _, labelled := range sortedKeys(c.counters[name]) {
			out.WriteString(formatSample(name, labelled))
			out.WriteString(fmt.Sprintf(" %d\n", c.counters[name][labelled]))
		}
	}
	for _, name := range sortedKeys(c.gauges) {
		out.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for _, labelled := range sortedKeys(c.gauges[name]) {
			out.WriteString(formatSample(name, labelled))
			out.WriteString(fmt.Sprintf(" %g\n", c.gauges[name][labelled]))
		}
	}
	return out.String()
}

func formatSample(name, labelled string) string {
	if labelled == "" {
		return name
	}
	return fmt.Sprintf("%s{%s}", name, labelled)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
