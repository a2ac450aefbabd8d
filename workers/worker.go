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
	"context"
	"fmt"
	"time"

	"github.com/meridian-mesh/meridian/drain"
	"github.com/meridian-mesh/meridian/internal/backoff"
	"github.com/meridian-mesh/meridian/internal/logging"
	"github.com/meridian-mesh/meridian/internal/syncutil"
	"github.com/meridian-mesh/meridian/listener"
	"golang.org/x/sync/errgroup"
)

var (
	logger = logging.Component("worker")

	// Backoff strategy for temporary errors received from Accept(). If this
	// needs to be configurable, we can inject it through Options.
	bs = backoff.Exponential{Config: backoff.Config{
		BaseDelay:  5 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   1 * time.Second,
	}}
	backoffFunc = bs.Backoff
)

// Options configures a default worker.
type Options struct {
	// ID distinguishes the worker in logs.
	ID int
	// Handler consumes accepted connections.
	Handler ConnectionHandler
	// GlobalDrainManager is the process-global drain manager, combined with
	// each listener's local one for per-connection drain decisions.
	GlobalDrainManager *drain.Manager
}

// NewWorker returns a Worker accepting connections in-process. Operations
// sent before Start are queued and run once the worker starts.
func NewWorker(opts Options) Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		opts:      opts,
		logger:    logging.NewPrefixLogger(logger, fmt.Sprintf("[worker %d] ", opts.ID)),
		started:   syncutil.NewEvent(),
		stopped:   syncutil.NewEvent(),
		cancel:    cancel,
		listeners: make(map[string]*acceptLoop),
	}
	// The serializer is the worker's dispatcher: every listener mutation
	// runs on it, so the listeners map needs no lock.
	w.dispatcher = syncutil.NewCallbackSerializer(ctx)
	return w
}

type worker struct {
	opts       Options
	logger     *logging.PrefixLogger
	dispatcher *syncutil.CallbackSerializer
	started    *syncutil.Event
	stopped    *syncutil.Event
	cancel     context.CancelFunc
	wd         Watchdog

	group errgroup.Group

	// Accessed only on the dispatcher.
	listeners map[string]*acceptLoop
}

func (w *worker) touch() {
	if w.wd != nil {
		w.wd.Touch()
	}
}

func (w *worker) AddListener(lis *listener.Listener, onComplete func(success bool)) {
	w.dispatcher.TrySchedule(func(context.Context) {
		w.touch()
		if w.stopped.HasFired() {
			onComplete(false)
			return
		}
		if lis.BindToPort() && lis.Socket() == nil {
			w.logger.Warningf("Listener %q has no bound socket", lis.Name())
			onComplete(false)
			return
		}
		loop := newAcceptLoop(w, lis)
		w.listeners[lis.Name()] = loop
		if lis.BindToPort() {
			w.group.Go(loop.run)
		}
		onComplete(true)
	})
}

func (w *worker) StopListener(lis *listener.Listener) {
	w.dispatcher.TrySchedule(func(context.Context) {
		w.touch()
		if loop := w.listeners[lis.Name()]; loop != nil {
			loop.stop()
		}
	})
}

func (w *worker) RemoveListener(lis *listener.Listener, onComplete func()) {
	w.dispatcher.TrySchedule(func(context.Context) {
		w.touch()
		if loop := w.listeners[lis.Name()]; loop != nil {
			loop.stop()
			delete(w.listeners, lis.Name())
		}
		onComplete()
	})
}

func (w *worker) Start(wd Watchdog) {
	if w.started.HasFired() {
		return
	}
	w.wd = wd
	w.started.Fire()
	if w.logger.V(2) {
		w.logger.Infof("Started")
	}
}

func (w *worker) Stop() {
	if w.stopped.HasFired() {
		return
	}
	w.stopped.Fire()
	done := make(chan struct{})
	w.dispatcher.TrySchedule(func(context.Context) {
		for name, loop := range w.listeners {
			loop.stop()
			delete(w.listeners, name)
		}
		close(done)
	})
	<-done
	w.group.Wait()
	w.cancel()
	<-w.dispatcher.Done()
	if w.logger.V(2) {
		w.logger.Infof("Stopped")
	}
}
