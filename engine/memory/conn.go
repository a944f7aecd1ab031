// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package memory

import (
	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Conn is the bridge side of a memory connection
type Conn struct {
	peer      *Peer
	collector *engine.Collector
}

// Collector implements engine.Connection
func (c *Conn) Collector() *engine.Collector { return c.collector }

// Open implements engine.Connection
func (c *Conn) Open() error {
	p := c.peer
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	c.collector.Post(&engine.Event{Type: engine.ConnectionRemoteOpen})
	return nil
}

// BeginSession implements engine.Connection
func (c *Conn) BeginSession() (engine.Handle, error) {
	p := c.peer
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	h := p.handle()
	p.session = h
	p.mu.Unlock()
	c.collector.Post(&engine.Event{Type: engine.SessionRemoteOpen, Session: h})
	return h, nil
}

// OpenSession implements engine.Connection
func (c *Conn) OpenSession(session engine.Handle) error {
	p := c.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = session
	return nil
}

func (c *Conn) attach(session engine.Handle, role engine.Role, address string) (engine.Handle, error) {
	p := c.peer
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	h := p.handle()
	l := &PeerLink{Handle: h, Session: session, Role: role, Address: address, opened: true}
	p.links[h] = l
	autoAttach := p.AutoAttach
	p.mu.Unlock()
	if autoAttach {
		c.collector.Post(&engine.Event{Type: engine.LinkRemoteOpen, Session: session, Link: h, Role: role, Address: address})
	}
	return h, nil
}

// AttachSender implements engine.Connection
func (c *Conn) AttachSender(session engine.Handle, address string, _ bool) (engine.Handle, error) {
	return c.attach(session, engine.Sender, address)
}

// AttachReceiver implements engine.Connection
func (c *Conn) AttachReceiver(session engine.Handle, address string) (engine.Handle, error) {
	return c.attach(session, engine.Receiver, address)
}

// OpenLink implements engine.Connection
func (c *Conn) OpenLink(link engine.Handle) error {
	l, err := c.peer.link(link)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.opened = true
	l.mu.Unlock()
	return nil
}

// Flow implements engine.Connection
func (c *Conn) Flow(link engine.Handle, credit uint32) error {
	l, err := c.peer.link(link)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.credit += credit
	l.issued += credit
	l.mu.Unlock()
	return nil
}

// Send implements engine.Connection
func (c *Conn) Send(link engine.Handle, tag []byte, payload []byte, settled bool) error {
	l, err := c.peer.link(link)
	if err != nil {
		return err
	}
	msg := new(amqp.Message)
	if err := msg.UnmarshalBinary(payload); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.credit == 0 {
		return ErrNoCredit
	}
	l.credit--
	l.transfers = append(l.transfers, &Transfer{Tag: append([]byte(nil), tag...), Message: msg, Settled: settled})
	return nil
}

// Disposition implements engine.Connection
func (c *Conn) Disposition(link engine.Handle, tag []byte, state types.MessageState) error {
	l, err := c.peer.link(link)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.dispositions = append(l.dispositions, &Disposition{Tag: append([]byte(nil), tag...), State: state})
	l.mu.Unlock()
	return nil
}

// Detach implements engine.Connection
func (c *Conn) Detach(link engine.Handle) error {
	l, err := c.peer.link(link)
	if err != nil {
		return err
	}
	l.mu.Lock()
	already := l.detached
	l.detached = true
	l.mu.Unlock()
	if !already {
		c.collector.Post(&engine.Event{Type: engine.LinkFinal, Session: l.Session, Link: link, Role: l.Role, Address: l.Address})
	}
	return nil
}

// Flush implements engine.Connection
func (c *Conn) Flush() error {
	p := c.peer
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	return nil
}

// Close implements engine.Connection
func (c *Conn) Close() error {
	p := c.peer
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if !already {
		c.collector.Post(&engine.Event{Type: engine.ConnectionFinal})
	}
	return nil
}
