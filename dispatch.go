// Copyright 2016-2022 The Wren Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wren

import (
	"sync"
)

// The shared delivery pool trades one Go routine per asynchronous
// subscription for a fixed set of workers shared by every connection that
// opts in through UseSharedDelivery. A subscription is pinned to one worker
// for its whole life, so per subscription ordering and the no concurrent
// callbacks guarantee hold just like with a dedicated Go routine.

// DefaultDeliveryPoolSize is the pool size used until SetDeliveryPoolSize
// grows it.
const DefaultDeliveryPoolSize = 1

type msgDispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	head     *Msg
	tail     *Msg
	shutdown bool
}

func newMsgDispatcher() *msgDispatcher {
	d := &msgDispatcher{}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// push appends a message for delivery. Messages from one subscription are
// pushed by the single parser Go routine of its connection, so FIFO here is
// FIFO per subscription too.
func (d *msgDispatcher) push(m *Msg) {
	d.mu.Lock()
	if d.tail != nil {
		d.tail.next = m
	} else {
		d.head = m
	}
	d.tail = m
	d.cond.Signal()
	d.mu.Unlock()
}

// run is the worker loop. It pops a message, settles the subscription
// accounting and invokes the callback with no locks held.
func (d *msgDispatcher) run() {
	for {
		d.mu.Lock()
		for d.head == nil && !d.shutdown {
			d.cond.Wait()
		}
		if d.shutdown {
			d.mu.Unlock()
			return
		}
		m := d.head
		d.head = m.next
		if d.tail == m {
			d.tail = nil
		}
		m.next = nil
		d.mu.Unlock()

		s := m.Sub
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		s.pMsgs--
		s.pBytes -= len(m.Data)
		if s.sc && s.pMsgs < s.pMsgsLimit {
			s.sc = false
		}
		s.delivered++
		delivered := s.delivered
		max := s.max
		mcb := s.mcb
		s.mu.Unlock()

		if max == 0 || delivered <= max {
			mcb(m)
		}
		if max > 0 && delivered >= max {
			s.conn.mu.Lock()
			s.conn.removeSub(s)
			s.conn.mu.Unlock()
		}
	}
}

type deliveryPool struct {
	mu      sync.Mutex
	size    int
	next    int
	workers []*msgDispatcher
}

var globalDeliveryPool = &deliveryPool{size: DefaultDeliveryPoolSize}

// SetDeliveryPoolSize grows the shared delivery pool up to size workers.
// Workers are still spawned lazily as subscriptions are assigned. The pool
// never shrinks; assigned subscriptions keep their worker for life.
func SetDeliveryPoolSize(size int) error {
	if size < 1 {
		return ErrInvalidArg
	}
	p := globalDeliveryPool
	p.mu.Lock()
	defer p.mu.Unlock()
	if size < p.size {
		return ErrPoolSizeDecrease
	}
	p.size = size
	return nil
}

// assign pins a new subscription to a worker slot, round robin over the
// configured size, spawning the worker on first use.
func (p *deliveryPool) assign() *msgDispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.next % p.size
	p.next++
	for len(p.workers) <= idx {
		p.workers = append(p.workers, nil)
	}
	if p.workers[idx] == nil {
		d := newMsgDispatcher()
		go d.run()
		p.workers[idx] = d
	}
	return p.workers[idx]
}

// ShutdownDeliveryPool stops the shared workers and resets the pool. It is
// intended for process teardown and tests; connections using the pool must
// be closed first, any messages still queued are dropped.
func ShutdownDeliveryPool() {
	p := globalDeliveryPool
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.next = 0
	p.mu.Unlock()

	for _, d := range workers {
		if d == nil {
			continue
		}
		d.mu.Lock()
		d.shutdown = true
		d.head, d.tail = nil, nil
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}
