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
	"testing"

	"github.com/meridian-mesh/meridian/internal/meridiantest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type s struct {
	meridiantest.Tester
}

func Test(t *testing.T) {
	meridiantest.RunSubTests(t, s{})
}

func (s) TestMemoryStoreScoping(t *testing.T) {
	store := NewStore()
	lm := store.Scope("listener_manager.")
	lm.Counter("listener_added").Inc()
	lm.Counter("listener_added").Inc()
	lm.Gauge("total_listeners_active").Set(3)
	nested := lm.Scope("worker_0.")
	nested.Counter("downstream_cx_total").Add(5)

	if got, want := store.CounterValue("listener_manager.listener_added"), uint64(2); got != want {
		t.Errorf("CounterValue(listener_added) = %d, want %d", got, want)
	}
	if got, want := store.GaugeValue("listener_manager.total_listeners_active"), uint64(3); got != want {
		t.Errorf("GaugeValue(total_listeners_active) = %d, want %d", got, want)
	}
	if got, want := store.CounterValue("listener_manager.worker_0.downstream_cx_total"), uint64(5); got != want {
		t.Errorf("CounterValue(worker_0.downstream_cx_total) = %d, want %d", got, want)
	}
}

func (s) TestMemoryStoreUntouched(t *testing.T) {
	store := NewStore()
	if got := store.CounterValue("never_created"); got != 0 {
		t.Errorf("CounterValue(never_created) = %d, want 0", got)
	}
	if got := store.GaugeValue("never_created"); got != 0 {
		t.Errorf("GaugeValue(never_created) = %d, want 0", got)
	}
}

func (s) TestPrometheusStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := NewPrometheusStore(reg)
	scope := store.Scope("listener.[__1]_10000.")
	scope.Counter("downstream_cx_total").Inc()
	scope.Gauge("downstream_cx_active").Set(7)

	if got := testutil.ToFloat64(store.counters["listener.[__1]_10000.downstream_cx_total"]); got != 1 {
		t.Errorf("counter value = %v, want 1", got)
	}
	if got := testutil.ToFloat64(store.gauges["listener.[__1]_10000.downstream_cx_active"]); got != 7 {
		t.Errorf("gauge value = %v, want 7", got)
	}
}

func (s) TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"listener_manager.listener_added", "listener_manager_listener_added"},
		{"listener.[__1]_10000.foo", "listener___1__10000_foo"},
		{"0abc", "_0abc"},
	}
	for _, test := range tests {
		if got := sanitizeName(test.in); got != test.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}
