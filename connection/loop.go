// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

func (c *Connection) loop() {
	defer close(c.stopped)
	collector := c.engine.Collector()
	for {
		c.processEvents()
		if c.final {
			return
		}
		select {
		case <-collector.Ready():
		case task := <-c.tasks:
			// Events that were posted before the task was submitted come first
			c.processEvents()
			task()
		}
	}
}

// processEvents handles events until the collector is empty
func (c *Connection) processEvents() {
	collector := c.engine.Collector()
	for !c.final {
		event := collector.Peek()
		if event == nil {
			return
		}
		c.handleEvent(event)
		collector.Pop()
	}
}

func (c *Connection) handleEvent(event *engine.Event) {
	ctx := c.ctx.WithField("Event", event.Type.String())
	switch event.Type {
	case engine.ConnectionRemoteOpen:
		if c.opened {
			return
		}
		c.opened = true
		if c.accepted {
			if err := c.engine.Open(); err != nil {
				ctx.WithError(err).Warn("Could not open connection")
			}
			c.flush()
		}
		ctx.Info("Connection opened")
		c.listener.ConnectionOpened(c)

	case engine.ConnectionFinal:
		c.teardown(nil)

	case engine.SessionRemoteOpen:
		if _, ok := c.sessions[event.Session]; ok {
			return
		}
		if err := c.engine.OpenSession(event.Session); err != nil {
			ctx.WithError(err).Warn("Could not open session")
			return
		}
		c.addSession(event.Session)
		c.flush()
		ctx.Debug("Session opened")

	case engine.SessionFinal:
		for _, e := range c.handles {
			if e.session == event.Session {
				c.linkFinal(e)
			}
		}
		delete(c.sessions, event.Session)
		if c.defaultSession == event.Session {
			c.defaultSession = 0
		}

	case engine.LinkRemoteOpen:
		c.linkRemoteOpen(ctx, event)

	case engine.LinkFlow:
		e, ok := c.handles[event.Link]
		if !ok {
			return
		}
		if l, ok := e.link.(*link.OutboundLink); ok {
			if l.Flow(event.Credit) {
				ctx.WithField("LinkID", l.ID()).WithField("Credit", event.Credit).Debug("Credit available")
				c.listener.CreditAvailable(c, l)
			}
		}

	case engine.LinkFinal:
		if e, ok := c.handles[event.Link]; ok {
			c.linkFinal(e)
		}

	case engine.Delivery:
		if event.Delivery == nil {
			return
		}
		if event.Role == engine.Sender {
			c.remoteSettled(ctx, event)
			return
		}
		c.received(ctx, event)

	case engine.Transport:
		if event.Err != nil {
			ctx.WithError(event.Err).Error("Transport error")
			c.teardown(event.Err)
		}
	}
}

func (c *Connection) linkRemoteOpen(ctx log.Interface, event *engine.Event) {
	if e, ok := c.handles[event.Link]; ok {
		if e.link.Open() {
			return
		}
		e.link.MarkOpen()
		ctx.WithField("LinkID", e.link.ID()).WithField("Address", e.link.Address()).Debug("Link attached")
		c.listener.LinkOpened(c, e.link)
		return
	}

	if err := c.engine.OpenLink(event.Link); err != nil {
		ctx.WithError(err).Warn("Could not open link")
		return
	}
	var l link.Link
	switch event.Role {
	case engine.Receiver:
		opts := c.listener.InboundLinkOptions(c, event.Address)
		inbound := link.NewInbound(newLinkID(""), event.Address, opts.GetReliability(), opts.CreditMode(), uint32(opts.Prefetch), true)
		c.addLink(inbound, event.Link, event.Session)
		c.flow(inbound, event.Link, inbound.Init())
		l = inbound
	default:
		l = link.NewOutbound(newLinkID(""), event.Address, types.Unreliable, true)
		c.addLink(l, event.Link, event.Session)
	}
	l.MarkOpen()
	c.flush()
	ctx.WithFields(log.Fields{
		"LinkID":    l.ID(),
		"Address":   l.Address(),
		"Direction": l.Direction(),
	}).Info("Link opened by peer")
	c.listener.LinkOpened(c, l)
}

func (c *Connection) linkFinal(e *entry) {
	e.link.MarkClosed()
	c.removeLink(e)
	c.ctx.WithField("LinkID", e.link.ID()).WithField("Address", e.link.Address()).Info("Link closed")
	c.listener.LinkClosed(c, e.link)
}

func (c *Connection) received(ctx log.Interface, event *engine.Event) {
	d := event.Delivery
	if d.Partial {
		return
	}
	e, ok := c.handles[event.Link]
	if !ok {
		ctx.WithField("Link", event.Link).Warn("Delivery on unknown link")
		return
	}
	l, ok := e.link.(*link.InboundLink)
	if !ok {
		ctx.WithField("LinkID", e.link.ID()).WithError(fmt.Errorf("%w: delivery on outbound link", ErrProtocolViolation)).Warn("Dropped delivery")
		return
	}
	ctx = ctx.WithField("LinkID", l.ID())

	s := c.sessions[e.session]
	if s == nil {
		s = c.addSession(e.session)
	}
	s.sequence++

	msg := new(amqp.Message)
	if err := msg.UnmarshalBinary(d.Payload); err != nil {
		ctx.WithError(err).Warn("Could not decode message")
		c.flow(l, e.handle, l.Received(d.Settled))
		if !d.Settled {
			e.unsettled[string(d.Tag)] = true
			c.settle(e, d.Tag, types.Rejected)
		}
		c.flush()
		return
	}

	delivery := &Delivery{
		Ref:      fmt.Sprintf("%s:%d", s.id, s.sequence),
		Tag:      d.Tag,
		Sequence: s.sequence,
		Settled:  d.Settled,
		Message:  msg,
	}
	c.flow(l, e.handle, l.Received(d.Settled))
	if !d.Settled {
		e.unsettled[string(d.Tag)] = true
	}
	ctx.WithField("MsgRef", delivery.Ref).Debug("Received message")

	state := c.listener.Message(c, l, delivery)
	if !d.Settled && state != types.Unknown {
		c.settle(e, d.Tag, state)
	}
	c.flush()
}

func (c *Connection) remoteSettled(ctx log.Interface, event *engine.Event) {
	d := event.Delivery
	if !d.Settled {
		return
	}
	t, ok := c.trackers[string(d.Tag)]
	if !ok {
		ctx.WithField("Tag", fmt.Sprintf("%x", d.Tag)).WithError(fmt.Errorf("%w: settlement for unknown delivery", ErrProtocolViolation)).Warn("Ignored settlement")
		return
	}
	if err := t.Settle(d.State); err != nil {
		ctx.WithError(fmt.Errorf("%w: %s", ErrProtocolViolation, err)).Warn("Ignored settlement")
		return
	}
	delete(c.trackers, string(d.Tag))
	ctx.WithField("LinkID", t.LinkID).WithField("State", d.State).Debug("Delivery settled by peer")
	c.listener.Settled(c, t)
}

func (c *Connection) flow(l *link.InboundLink, h engine.Handle, credit uint32) {
	if credit == 0 {
		return
	}
	if err := c.engine.Flow(h, credit); err != nil {
		c.ctx.WithField("LinkID", l.ID()).WithError(err).Warn("Could not issue credit")
		return
	}
	l.Issued(credit)
}

func (c *Connection) settle(e *entry, tag []byte, state types.MessageState) error {
	if !e.unsettled[string(tag)] {
		return ErrDeliveryNotFound
	}
	if err := c.engine.Disposition(e.handle, tag, state); err != nil {
		return err
	}
	delete(e.unsettled, string(tag))
	if l, ok := e.link.(*link.InboundLink); ok {
		c.flow(l, e.handle, l.Settled())
	}
	return nil
}

func (c *Connection) flush() {
	if err := c.engine.Flush(); err != nil {
		c.ctx.WithError(err).Warn("Could not flush")
	}
}

func (c *Connection) teardown(err error) {
	if c.final {
		return
	}
	c.final = true
	if closeErr := c.engine.Close(); closeErr != nil {
		c.ctx.WithError(closeErr).Debug("Could not close engine connection")
	}
	for _, e := range c.handles {
		c.linkFinal(e)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	if err != nil {
		c.ctx.WithError(err).Warn("Connection closed")
	} else {
		c.ctx.Info("Connection closed")
	}
	c.listener.ConnectionClosed(c, err)
}
