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

package registry

import "sync"

// InitTarget is an asynchronous readiness dependency contributed by a filter
// config, e.g. dependent dynamic configuration that has not arrived yet. A
// listener whose build collects any unready targets stays warming until all
// of them become ready.
type InitTarget struct {
	name string

	mu       sync.Mutex
	ready    bool
	watchers []func()
}

// NewInitTarget returns an unready InitTarget. name is used for logging only.
func NewInitTarget(name string) *InitTarget {
	return &InitTarget{name: name}
}

// Name returns the target's name.
func (t *InitTarget) Name() string { return t.name }

// IsReady reports whether Ready has been called.
func (t *InitTarget) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Ready marks the target ready and invokes all registered watchers. Calls
// after the first are no-ops. Watchers run synchronously on the caller's
// goroutine.
func (t *InitTarget) Ready() {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		return
	}
	t.ready = true
	watchers := t.watchers
	t.watchers = nil
	t.mu.Unlock()
	for _, w := range watchers {
		w()
	}
}

// Watch registers fn to run once the target becomes ready. If the target is
// already ready, fn runs immediately.
func (t *InitTarget) Watch(fn func()) {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		fn()
		return
	}
	t.watchers = append(t.watchers, fn)
	t.mu.Unlock()
}

// InitTargetProvider is implemented by FilterConfigs whose readiness depends
// on external resources. The listener build collects the returned targets
// into its init manager.
type InitTargetProvider interface {
	InitTargets() []*InitTarget
}
