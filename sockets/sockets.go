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

// Package sockets provides listening sockets with phased socket option
// application, and the factory through which the listener manager obtains
// them. A Socket outlives the listener that created it: when a listener is
// replaced at the same address, its socket is handed to the replacement
// instead of being bound again.
package sockets

import (
	"context"
	"fmt"
	"net"
	"strconv"

	v3corepb "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
)

// Phase identifies when during socket setup an option is applied.
type Phase int

const (
	// PhasePreBind options are applied after socket creation, before bind.
	PhasePreBind Phase = iota
	// PhaseBound options are applied after the socket is bound.
	PhaseBound
	// PhaseListening options are applied after listen() for stream sockets.
	PhaseListening
)

func (p Phase) String() string {
	switch p {
	case PhasePreBind:
		return "PREBIND"
	case PhaseBound:
		return "BOUND"
	case PhaseListening:
		return "LISTENING"
	}
	return "UNKNOWN"
}

// Option is a single setsockopt call tagged with its application phase.
type Option struct {
	Description string
	Level       int
	Name        int
	Value       int
	Phase       Phase
}

// OptionsFromProto converts the wire representation of socket options. Only
// integer-valued options are supported; buffer-valued options are a
// configuration error.
func OptionsFromProto(protos []*v3corepb.SocketOption) ([]Option, error) {
	if len(protos) == 0 {
		return nil, nil
	}
	opts := make([]Option, 0, len(protos))
	for _, p := range protos {
		iv, ok := p.GetValue().(*v3corepb.SocketOption_IntValue)
		if !ok {
			return nil, fmt.Errorf("socket option %q: only int_value options are supported", p.GetDescription())
		}
		var phase Phase
		switch p.GetState() {
		case v3corepb.SocketOption_STATE_PREBIND:
			phase = PhasePreBind
		case v3corepb.SocketOption_STATE_BOUND:
			phase = PhaseBound
		case v3corepb.SocketOption_STATE_LISTENING:
			phase = PhaseListening
		default:
			return nil, fmt.Errorf("socket option %q: unsupported state %v", p.GetDescription(), p.GetState())
		}
		opts = append(opts, Option{
			Description: p.GetDescription(),
			Level:       int(p.GetLevel()),
			Name:        int(p.GetName()),
			Value:       int(iv.IntValue),
			Phase:       phase,
		})
	}
	return opts, nil
}

// Socket is a bound, listening socket. Its ownership moves between listener
// generations; only the final owner closes it.
type Socket interface {
	// Addr returns the socket's bound address.
	Addr() net.Addr
	// Listener returns the accepting side of the socket. Safe for use from
	// multiple goroutines.
	Listener() net.Listener
	// Close releases the socket.
	Close() error
}

// Factory creates listening sockets on behalf of the listener manager.
type Factory interface {
	// CreateSocket binds and listens on addr, applying opts in phase order.
	// A failure applying any option aborts creation and leaves nothing bound.
	CreateSocket(ctx context.Context, addr string, opts []Option) (Socket, error)
}

// AddressFromProto renders a socket address proto as a "host:port" dial
// string. Named ports and pipe addresses are configuration errors here since
// listeners bind by IP and numeric port.
func AddressFromProto(addr *v3corepb.Address) (string, error) {
	sa := addr.GetSocketAddress()
	if sa == nil {
		return "", fmt.Errorf("unsupported address type %T", addr.GetAddress())
	}
	ps, ok := sa.GetPortSpecifier().(*v3corepb.SocketAddress_PortValue)
	if !ok {
		return "", fmt.Errorf("address %q: named ports are not supported", sa.GetAddress())
	}
	return net.JoinHostPort(sa.GetAddress(), strconv.Itoa(int(ps.PortValue))), nil
}
