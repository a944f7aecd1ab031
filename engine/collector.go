// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package engine

import "sync"

// Collector is an unbounded FIFO of events. Engines post from any goroutine,
// the event loop pops.
type Collector struct {
	mu     sync.Mutex
	events []*Event
	ready  chan struct{}
}

// NewCollector returns a new Collector
func NewCollector() *Collector {
	return &Collector{
		ready: make(chan struct{}, 1),
	}
}

// Post an event
func (c *Collector) Post(event *Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Peek returns the first event without removing it, or nil
func (c *Collector) Peek() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[0]
}

// Pop removes the first event
func (c *Collector) Pop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return
	}
	c.events[0] = nil
	c.events = c.events[1:]
}

// Len returns the number of queued events
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Ready is signalled after events were posted
func (c *Collector) Ready() <-chan struct{} {
	return c.ready
}
