// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/livekit/protocol/logger"

	"github.com/voicebridge/voicebridge/pkg/stats"
)

const (
	DefaultLegQueue = 32
	seenEvents      = 4096
	legIdleTimeout  = time.Minute
)

// Consumer receives the events of one leg, in arrival order, on the leg's worker goroutine.
type Consumer func(ev Event)

// Dispatcher delivers every event to exactly one consumer: the one subscribed for
// its leg, or the default consumer. Each leg has its own worker and bounded queue,
// so a slow consumer delays only its own leg.
type Dispatcher struct {
	log   logger.Logger
	mon   *stats.Monitor
	queue int

	mu        sync.Mutex
	consumers map[string]*subscription
	def       Consumer
	workers   map[string]*legWorker
	// Both channels may report the same switch event.
	seen *lru.Cache[string, struct{}]

	closed core.Fuse
	wg     sync.WaitGroup
}

type subscription struct {
	c Consumer
}

type legWorker struct {
	leg string
	ch  chan Event
}

func NewDispatcher(log logger.Logger, mon *stats.Monitor, queue int) *Dispatcher {
	if queue <= 0 {
		queue = DefaultLegQueue
	}
	seen, _ := lru.New[string, struct{}](seenEvents)
	return &Dispatcher{
		log:       log,
		mon:       mon,
		queue:     queue,
		consumers: make(map[string]*subscription),
		workers:   make(map[string]*legWorker),
		seen:      seen,
	}
}

// SetDefault sets the consumer for legs without a subscription.
func (d *Dispatcher) SetDefault(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.def = c
}

// Subscribe routes the events of leg to c until the returned function is called.
func (d *Dispatcher) Subscribe(leg string, c Consumer) (unsubscribe func()) {
	sub := &subscription{c: c}
	d.mu.Lock()
	d.consumers[leg] = sub
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			// Only remove our own subscription.
			if d.consumers[leg] == sub {
				delete(d.consumers, leg)
			}
		})
	}
}

// Dispatch queues an event. It never blocks: when the leg's queue is full the event is dropped.
// An event already delivered by the other channel is ignored.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Raw != nil {
		if seq := ev.Raw.Get("Event-Sequence"); seq != "" {
			if ok, _ := d.seen.ContainsOrAdd(seq, struct{}{}); ok {
				return
			}
		}
	}
	d.mon.RelayEvent(string(ev.Type))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.IsBroken() {
		return
	}
	w := d.workers[ev.Leg]
	if w == nil {
		w = &legWorker{leg: ev.Leg, ch: make(chan Event, d.queue)}
		d.workers[ev.Leg] = w
		d.wg.Add(1)
		go d.run(w)
	}
	select {
	case w.ch <- ev:
	default:
		d.log.Warnw("leg event queue full, dropping event", nil, "leg", ev.Leg, "event", ev.Name)
	}
}

func (d *Dispatcher) run(w *legWorker) {
	defer d.wg.Done()
	idle := time.NewTimer(legIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-d.closed.Watch():
			return
		case ev := <-w.ch:
			d.deliver(ev)
			if ev.Type == EventHangup && d.retire(w) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(legIdleTimeout)
		case <-idle.C:
			if d.retire(w) {
				return
			}
			idle.Reset(legIdleTimeout)
		}
	}
}

// retire removes an idle worker. Dispatch enqueues under the same lock, so an
// empty queue here means no event can be lost.
func (d *Dispatcher) retire(w *legWorker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(w.ch) != 0 {
		return false
	}
	if d.workers[w.leg] == w {
		delete(d.workers, w.leg)
	}
	return true
}

func (d *Dispatcher) deliver(ev Event) {
	d.mu.Lock()
	c := d.def
	if sub, ok := d.consumers[ev.Leg]; ok {
		c = sub.c
	}
	d.mu.Unlock()
	if c == nil {
		d.log.Debugw("no consumer for event", "leg", ev.Leg, "event", ev.Name)
		return
	}
	c(ev)
}

// Close stops all workers. Queued events are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed.Break()
	d.mu.Unlock()
	d.wg.Wait()
}
