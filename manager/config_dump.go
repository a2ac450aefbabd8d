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

package manager

import (
	v3adminpb "github.com/envoyproxy/go-control-plane/envoy/admin/v3"
	"github.com/meridian-mesh/meridian/listener"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ConfigDump renders the manager's current listener state for the admin
// surface. Static listeners appear under static_listeners; dynamic ones
// appear as one DynamicListener per name carrying whichever of the active,
// warming and draining states currently exist for that name.
func (m *ListenerManager) ConfigDump() *v3adminpb.ListenersConfigDump {
	dump := &v3adminpb.ListenersConfigDump{}
	m.execute(func() {
		dump.VersionInfo = m.lastVersionInfo

		dynamic := make(map[string]*v3adminpb.ListenersConfigDump_DynamicListener)
		var order []string
		dynamicFor := func(name string) *v3adminpb.ListenersConfigDump_DynamicListener {
			if d, ok := dynamic[name]; ok {
				return d
			}
			d := &v3adminpb.ListenersConfigDump_DynamicListener{Name: name}
			dynamic[name] = d
			order = append(order, name)
			return d
		}

		for _, entry := range m.active.list() {
			if !entry.lis.Modifiable() {
				dump.StaticListeners = append(dump.StaticListeners, &v3adminpb.ListenersConfigDump_StaticListener{
					Listener:    mustAny(entry.lis),
					LastUpdated: timestamppb.New(entry.lis.LastUpdated()),
				})
				continue
			}
			dynamicFor(entry.lis.Name()).ActiveState = dumpState(entry.lis)
		}
		for _, entry := range m.warming.list() {
			dynamicFor(entry.lis.Name()).WarmingState = dumpState(entry.lis)
		}
		for _, entry := range m.draining {
			d := dynamicFor(entry.lis.Name())
			if d.DrainingState == nil {
				d.DrainingState = dumpState(entry.lis)
			}
		}

		for _, name := range order {
			dump.DynamicListeners = append(dump.DynamicListeners, dynamic[name])
		}
	})
	return dump
}

func dumpState(lis *listener.Listener) *v3adminpb.ListenersConfigDump_DynamicListenerState {
	return &v3adminpb.ListenersConfigDump_DynamicListenerState{
		VersionInfo: lis.VersionInfo(),
		Listener:    mustAny(lis),
		LastUpdated: timestamppb.New(lis.LastUpdated()),
	}
}

// mustAny packs the listener's config proto. The proto already round-tripped
// through a deterministic marshal when it was hashed at build time, so a
// failure here is not reachable.
func mustAny(lis *listener.Listener) *anypb.Any {
	a, err := anypb.New(lis.Proto())
	if err != nil {
		return nil
	}
	return a
}
