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

// Package registry contains the filter factory interfaces and a registry for
// storing and retrieving their implementations by configured name.
//
// Filter implementations register themselves from an init() function in their
// own package; registration is not thread safe and must happen before
// listeners are built.
package registry

import (
	"fmt"

	"google.golang.org/protobuf/types/known/anypb"
)

// FilterConfig is the opaque handle produced by parsing a filter's typed
// config. The listener core installs it on the filter chain without
// interpreting it; only the connection handler consuming the chain does.
type FilterConfig any

// NetworkFilter is a named factory for per-connection network filters.
type NetworkFilter interface {
	// Name returns the configured name this factory resolves under.
	Name() string
	// ParseFilterConfig validates cfg and returns the handle installed on
	// the enclosing filter chain. An error aborts the whole listener build.
	ParseFilterConfig(cfg *anypb.Any) (FilterConfig, error)
}

// ListenerFilter is a named factory for listener-level filters, which run
// before a connection is dispatched to a filter chain (e.g. protocol and SNI
// detection).
type ListenerFilter interface {
	Name() string
	ParseFilterConfig(cfg *anypb.Any) (FilterConfig, error)
}

var (
	// networkFilters maps from configured name to filter factory.
	networkFilters = make(map[string]NetworkFilter)
	// listenerFilters maps from configured name to filter factory.
	listenerFilters = make(map[string]ListenerFilter)
)

// RegisterNetworkFilter registers the network filter factory under its name.
func RegisterNetworkFilter(f NetworkFilter) {
	networkFilters[f.Name()] = f
}

// RegisterListenerFilter registers the listener filter factory under its name.
func RegisterListenerFilter(f ListenerFilter) {
	listenerFilters[f.Name()] = f
}

// ResolveNetworkFilter returns the network filter factory registered under
// name. An unknown name is a configuration error.
func ResolveNetworkFilter(name string) (NetworkFilter, error) {
	f, ok := networkFilters[name]
	if !ok {
		return nil, fmt.Errorf("no registered network filter factory for name %q", name)
	}
	return f, nil
}

// ResolveListenerFilter returns the listener filter factory registered under
// name. An unknown name is a configuration error.
func ResolveListenerFilter(name string) (ListenerFilter, error) {
	f, ok := listenerFilters[name]
	if !ok {
		return nil, fmt.Errorf("no registered listener filter factory for name %q", name)
	}
	return f, nil
}
