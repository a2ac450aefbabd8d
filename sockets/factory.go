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

package sockets

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// NewTCPFactory returns the default Factory producing TCP listening sockets.
func NewTCPFactory() Factory {
	return &tcpFactory{}
}

type tcpFactory struct{}

func (f *tcpFactory) CreateSocket(ctx context.Context, addr string, opts []Option) (Socket, error) {
	var ctlErr error
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			ctlErr = applyOptions(c, opts, PhasePreBind)
			return ctlErr
		},
	}
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctlErr != nil {
			return nil, ctlErr
		}
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	// Go's Listen performs bind and listen in one step, so the remaining two
	// phases both run here, in phase order.
	sc, err := lis.(syscall.Conn).SyscallConn()
	if err != nil {
		lis.Close()
		return nil, err
	}
	for _, phase := range []Phase{PhaseBound, PhaseListening} {
		if err := applyOptions(sc, opts, phase); err != nil {
			lis.Close()
			return nil, err
		}
	}
	return &listenSocket{lis: lis}, nil
}

func applyOptions(c syscall.RawConn, opts []Option, phase Phase) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		for _, o := range opts {
			if o.Phase != phase {
				continue
			}
			if err := unix.SetsockoptInt(int(fd), o.Level, o.Name, o.Value); err != nil {
				opErr = fmt.Errorf("failed to apply %v socket option %q (level %d, name %d, value %d): %w", phase, o.Description, o.Level, o.Name, o.Value, err)
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

type listenSocket struct {
	lis net.Listener
}

func (s *listenSocket) Addr() net.Addr         { return s.lis.Addr() }
func (s *listenSocket) Listener() net.Listener { return s.lis }
func (s *listenSocket) Close() error           { return s.lis.Close() }
