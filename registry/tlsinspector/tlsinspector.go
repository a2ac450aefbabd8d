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

// Package tlsinspector implements the TLS inspector listener filter, which
// sniffs the first bytes of a connection to detect a TLS ClientHello and
// extract the requested server name and application protocols.
//
// It is synthesized automatically onto listeners whose filter chains match on
// SNI, ALPN, or the "tls" transport protocol.
package tlsinspector

import (
	"github.com/meridian-mesh/meridian/registry"
	"google.golang.org/protobuf/types/known/anypb"
)

// Name is the configured name of the TLS inspector listener filter.
const Name = "envoy.filters.listener.tls_inspector"

func init() {
	registry.RegisterListenerFilter(builder{})
}

type builder struct{}

func (builder) Name() string { return Name }

func (builder) ParseFilterConfig(*anypb.Any) (registry.FilterConfig, error) {
	// The inspector takes no configuration.
	return config{}, nil
}

type config struct{}
