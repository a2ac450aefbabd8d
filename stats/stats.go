/*
 *
 * Copyright 2025 Meridian authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package stats defines the counters/gauges collaborator consumed by the
// listener manager, along with a Prometheus-backed production implementation
// and in-memory implementations for tests.
package stats

import "sync"

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta uint64)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Inc()
	Dec()
	Set(value uint64)
}

// Scope is a named subtree of stats. Metric names created through a scope are
// prefixed with the scope's prefix.
type Scope interface {
	Counter(name string) Counter
	Gauge(name string) Gauge
	// Scope returns a nested scope with the given prefix appended.
	Scope(prefix string) Scope
}

// Store is the root scope of a stats hierarchy.
type Store interface {
	Scope
}

// NewStore returns an in-memory store. It is the default used when no sink is
// configured, and doubles as the assertion target in tests.
func NewStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		gauges:   make(map[string]*memGauge),
	}
}

// NewNoopStore returns a store that discards everything written to it.
func NewNoopStore() Store { return noopScope{} }

type noopScope struct{}

type noopMetric struct{}

func (noopMetric) Inc()       {}
func (noopMetric) Add(uint64) {}
func (noopMetric) Dec()       {}
func (noopMetric) Set(uint64) {}

func (noopScope) Counter(string) Counter { return noopMetric{} }
func (noopScope) Gauge(string) Gauge     { return noopMetric{} }
func (noopScope) Scope(string) Scope     { return noopScope{} }

// MemoryStore is a Store keeping all values in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	gauges   map[string]*memGauge
}

type memCounter struct {
	mu    sync.Mutex
	value uint64
}

func (c *memCounter) Inc() { c.Add(1) }

func (c *memCounter) Add(delta uint64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

type memGauge struct {
	mu    sync.Mutex
	value uint64
}

func (g *memGauge) Inc() {
	g.mu.Lock()
	g.value++
	g.mu.Unlock()
}

func (g *memGauge) Dec() {
	g.mu.Lock()
	g.value--
	g.mu.Unlock()
}

func (g *memGauge) Set(value uint64) {
	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

// Counter returns the counter registered under name, creating it if needed.
func (s *MemoryStore) Counter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[name]
	if !ok {
		c = &memCounter{}
		s.counters[name] = c
	}
	return c
}

// Gauge returns the gauge registered under name, creating it if needed.
func (s *MemoryStore) Gauge(name string) Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gauges[name]
	if !ok {
		g = &memGauge{}
		s.gauges[name] = g
	}
	return g
}

// Scope returns a nested scope rooted at this store.
func (s *MemoryStore) Scope(prefix string) Scope {
	return &subScope{parent: s, prefix: prefix}
}

// CounterValue returns the current value of the named counter, or zero if it
// was never touched.
func (s *MemoryStore) CounterValue(name string) uint64 {
	s.mu.Lock()
	c, ok := s.counters[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// GaugeValue returns the current value of the named gauge, or zero if it was
// never touched.
func (s *MemoryStore) GaugeValue(name string) uint64 {
	s.mu.Lock()
	g, ok := s.gauges[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

type subScope struct {
	parent Scope
	prefix string
}

func (s *subScope) Counter(name string) Counter { return s.parent.Counter(s.prefix + name) }
func (s *subScope) Gauge(name string) Gauge     { return s.parent.Gauge(s.prefix + name) }
func (s *subScope) Scope(prefix string) Scope {
	return &subScope{parent: s.parent, prefix: s.prefix + prefix}
}
