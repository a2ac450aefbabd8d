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

package stats

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewPrometheusStore returns a Store that registers every metric with reg.
// Dotted stat names are flattened to the Prometheus naming convention, so
// "listener_manager.listener_added" is exported as
// "listener_manager_listener_added".
func NewPrometheusStore(reg prometheus.Registerer) *PrometheusStore {
	return &PrometheusStore{
		factory:  promauto.With(reg),
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// PrometheusStore is a Store backed by a Prometheus registry.
type PrometheusStore struct {
	factory promauto.Factory

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

func (s *PrometheusStore) Counter(name string) Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[name]
	if !ok {
		c = s.factory.NewCounter(prometheus.CounterOpts{Name: sanitizeName(name)})
		s.counters[name] = c
	}
	return promCounter{c}
}

func (s *PrometheusStore) Gauge(name string) Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gauges[name]
	if !ok {
		g = s.factory.NewGauge(prometheus.GaugeOpts{Name: sanitizeName(name)})
		s.gauges[name] = g
	}
	return promGauge{g}
}

func (s *PrometheusStore) Scope(prefix string) Scope {
	return &subScope{parent: s, prefix: prefix}
}

type promCounter struct {
	c prometheus.Counter
}

func (p promCounter) Inc()             { p.c.Inc() }
func (p promCounter) Add(delta uint64) { p.c.Add(float64(delta)) }

type promGauge struct {
	g prometheus.Gauge
}

func (p promGauge) Inc()             { p.g.Inc() }
func (p promGauge) Dec()             { p.g.Dec() }
func (p promGauge) Set(value uint64) { p.g.Set(float64(value)) }

// sanitizeName rewrites a dotted stat name into a valid Prometheus metric
// name. Characters outside [a-zA-Z0-9_] become underscores.
func sanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			b.WriteByte(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
