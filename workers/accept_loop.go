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

package workers

import (
	"net"
	"time"

	"github.com/meridian-mesh/meridian/internal/syncutil"
	"github.com/meridian-mesh/meridian/listener"
)

// deadliner is implemented by net.TCPListener and friends; deadlines are the
// only portable way to unblock a pending Accept without closing the socket,
// which must stay open for handoff to a replacement listener.
type deadliner interface {
	SetDeadline(t time.Time) error
}

type acceptLoop struct {
	w    *worker
	lis  *listener.Listener
	done *syncutil.Event
}

func newAcceptLoop(w *worker, lis *listener.Listener) *acceptLoop {
	return &acceptLoop{w: w, lis: lis, done: syncutil.NewEvent()}
}

func (l *acceptLoop) run() error {
	nl := l.lis.Socket().Listener()
	// A previous owner of this socket may have left an expired deadline
	// behind when it was stopped.
	if d, ok := nl.(deadliner); ok {
		d.SetDeadline(time.Time{})
	}
	var retries int
	for {
		conn, err := nl.Accept()
		if err != nil {
			if l.done.HasFired() {
				return nil
			}
			// Temporary() method is implemented by certain error types
			// returned from the net package, and it is useful for us to not
			// shut down the loop in these conditions. The listen queue being
			// full is one such case.
			if ne, ok := err.(interface{ Temporary() bool }); !ok || !ne.Temporary() {
				l.w.logger.Warningf("Accept on %q failed: %v", l.lis.Address(), err)
				return nil
			}
			retries++
			timer := time.NewTimer(backoffFunc(retries))
			select {
			case <-timer.C:
			case <-l.done.Done():
				timer.Stop()
				return nil
			}
			continue
		}
		// Reset retries after a successful Accept().
		retries = 0
		if l.done.HasFired() {
			conn.Close()
			return nil
		}
		l.handleConn(conn)
	}
}

func (l *acceptLoop) handleConn(conn net.Conn) {
	h := l.w.opts.Handler
	if h == nil {
		conn.Close()
		return
	}
	ci, err := h.Detect(conn, l.lis.ListenerFilters(), l.lis.ListenerFiltersTimeout())
	if err != nil {
		if l.w.logger.V(2) {
			l.w.logger.Infof("Closing connection from %v: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}
	fc := l.lis.FilterChainManager().Lookup(ci)
	if fc == nil {
		if scope := l.lis.Scope(); scope != nil {
			scope.Counter("no_filter_chain_match").Inc()
		}
		conn.Close()
		return
	}
	h.Handle(conn, l.lis, fc, l.lis.NewDrainDecision(l.w.opts.GlobalDrainManager))
}

// stop makes the loop wind down: it unblocks any Accept pending on the
// shared socket by setting an immediate deadline rather than closing it.
func (l *acceptLoop) stop() {
	if l.done.HasFired() {
		return
	}
	l.done.Fire()
	if s := l.lis.Socket(); s != nil {
		if d, ok := s.Listener().(deadliner); ok {
			d.SetDeadline(time.Now())
		}
	}
}
