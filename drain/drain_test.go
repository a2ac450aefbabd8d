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

package drain

import (
	"context"
	"testing"
	"time"

	"github.com/meridian-mesh/meridian/internal/meridiantest"
	"github.com/meridian-mesh/meridian/internal/testutils"
)

type s struct {
	meridiantest.Tester
}

func Test(t *testing.T) {
	meridiantest.RunSubTests(t, s{})
}

const defaultTestTimeout = 10 * time.Second

func (s) TestDrainSequenceFiresWatchers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	m := NewManager(Options{DrainTime: time.Millisecond})
	if got := m.State(); got != Running {
		t.Fatalf("State() = %v before drain, want %v", got, Running)
	}

	first := testutils.NewChannel()
	second := testutils.NewChannel()
	m.StartDrainSequence(func() { first.Send(nil) })
	m.StartDrainSequence(func() { second.Send(nil) })
	if got := m.State(); got != Draining {
		t.Fatalf("State() = %v after StartDrainSequence, want %v", got, Draining)
	}

	if _, err := first.Receive(ctx); err != nil {
		t.Fatalf("timeout waiting for first drain completion watcher: %v", err)
	}
	if _, err := second.Receive(ctx); err != nil {
		t.Fatalf("timeout waiting for second drain completion watcher: %v", err)
	}
	if got := m.State(); got != Drained {
		t.Fatalf("State() = %v after completion, want %v", got, Drained)
	}

	// A watcher registered after the drain completed runs synchronously.
	fired := false
	m.StartDrainSequence(func() { fired = true })
	if !fired {
		t.Fatalf("watcher registered on a Drained manager did not run synchronously")
	}
}

func (s) TestDrainSequenceDoesNotRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	m := NewManager(Options{DrainTime: 50 * time.Millisecond})
	start := time.Now()
	done := testutils.NewChannel()
	m.StartDrainSequence(func() { done.Send(nil) })
	time.Sleep(20 * time.Millisecond)
	// The second call must not push the deadline out.
	m.StartDrainSequence(func() {})
	if _, err := done.Receive(ctx); err != nil {
		t.Fatalf("timeout waiting for drain completion: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*(50*time.Millisecond) {
		t.Errorf("drain completed after %v, suggesting the window was restarted", elapsed)
	}
}

func (s) TestDrainCloseGradual(t *testing.T) {
	m := NewManager(Options{DrainTime: 10 * time.Second})
	defer m.Close()
	if m.DrainClose() {
		t.Errorf("DrainClose() = true while Running, want false")
	}

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	randValue := 0.5
	m.randF64 = func() float64 { return randValue }

	m.StartDrainSequence(func() {})

	// 2s into a 10s window: close probability 0.2.
	now = now.Add(2 * time.Second)
	if m.DrainClose() {
		t.Errorf("DrainClose() = true at p=0.2 with rand=0.5, want false")
	}
	// 8s in: probability 0.8.
	now = now.Add(6 * time.Second)
	if !m.DrainClose() {
		t.Errorf("DrainClose() = false at p=0.8 with rand=0.5, want true")
	}

	m.drainSequenceDone()
	randValue = 0.99
	if !m.DrainClose() {
		t.Errorf("DrainClose() = false after Drained, want true")
	}
}

func (s) TestDrainCloseImmediate(t *testing.T) {
	m := NewManager(Options{DrainTime: time.Hour, Strategy: StrategyImmediate})
	defer m.Close()
	m.StartDrainSequence(func() {})
	if !m.DrainClose() {
		t.Errorf("DrainClose() = false with StrategyImmediate while Draining, want true")
	}
}

func (s) TestDecisionLocalShortCircuits(t *testing.T) {
	local := NewManager(Options{DrainTime: time.Hour, Strategy: StrategyImmediate})
	defer local.Close()
	global := NewManager(Options{DrainTime: time.Hour, Strategy: StrategyImmediate})
	defer global.Close()

	d := NewDecision(local, global, TypeDefault)
	if d.DrainClose() {
		t.Errorf("DrainClose() = true with both managers Running, want false")
	}

	global.StartDrainSequence(func() {})
	if !d.DrainClose() {
		t.Errorf("DrainClose() = false with global Draining, want true")
	}

	local.StartDrainSequence(func() {})
	if !d.DrainClose() {
		t.Errorf("DrainClose() = false with local Draining, want true")
	}
}

func (s) TestDecisionModifyOnlyIgnoresGlobal(t *testing.T) {
	local := NewManager(Options{DrainTime: time.Hour, Strategy: StrategyImmediate})
	defer local.Close()
	global := NewManager(Options{DrainTime: time.Hour, Strategy: StrategyImmediate})
	defer global.Close()

	d := NewDecision(local, global, TypeModifyOnly)
	global.StartDrainSequence(func() {})
	if d.DrainClose() {
		t.Errorf("DrainClose() = true for modify-only drain with only global Draining, want false")
	}
	local.StartDrainSequence(func() {})
	if !d.DrainClose() {
		t.Errorf("DrainClose() = false for modify-only drain with local Draining, want true")
	}
}
