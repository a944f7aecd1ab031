// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"

	"github.com/TheThingsNetwork/amqp-bridge/connection"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/message"
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

// The Exchange implements connection.Listener. The callbacks run on the event
// loop of the connection; operations on the connection itself are started in
// a new goroutine.
var _ connection.Listener = &Exchange{}

// ConnectionOpened implements connection.Listener
func (e *Exchange) ConnectionOpened(c *connection.Connection) {
	e.ctx.WithFields(log.Fields{
		"Connection": c.Key(),
		"Accepted":   c.Accepted(),
	}).Debug("Connection opened")
}

// ConnectionClosed implements connection.Listener
func (e *Exchange) ConnectionClosed(c *connection.Connection, err error) {
	e.removeConnection(c)
	ctx := e.ctx.WithField("Connection", c.Key())
	if err != nil {
		ctx.WithError(err).Warn("Connection lost")
		return
	}
	ctx.Debug("Connection closed")
}

// InboundLinkOptions implements connection.Listener
func (e *Exchange) InboundLinkOptions(c *connection.Connection, address string) types.IncomingLinkOptions {
	if svc, ok := e.service(address); ok {
		return types.IncomingLinkOptions{
			Reliability: svc.options.GetReliability(),
			Prefetch:    0,
		}
	}
	return types.IncomingLinkOptions{
		Reliability: types.AtLeastOnce,
		Prefetch:    types.DefaultPrefetch,
	}
}

// LinkOpened implements connection.Listener
func (e *Exchange) LinkOpened(c *connection.Connection, l link.Link) {
	linksGauge.WithLabelValues(string(l.Direction())).Inc()
	if l.Remote() {
		e.remoteLinkOpened(c, l)
		return
	}

	e.mu.Lock()
	b, ok := e.bindings[l.ID()]
	if ok {
		b.opened = true
	}
	e.mu.Unlock()
	if !ok {
		e.ctx.WithField("LinkRef", l.ID()).Warn("Attached link is not bound")
		go c.CloseLink(l.ID())
		return
	}
	b.stopWatchdog()
	if b.kind == establishedBinding {
		e.notify(b.notificationAddress, &types.Notification{
			Type:    types.LinkOpenedNotification,
			LinkRef: b.ref,
			Address: b.amqpAddress,
		})
	}
	b.logger(e.ctx).Debug("Link attached")
}

// LinkClosed implements connection.Listener
func (e *Exchange) LinkClosed(c *connection.Connection, l link.Link) {
	if l.Open() {
		linksGauge.WithLabelValues(string(l.Direction())).Dec()
	}
	b := e.removeBinding(l.ID())
	closed := &types.LinkClosedMessage{
		LinkRef:     l.ID(),
		AMQPAddress: l.Address(),
	}
	if b != nil {
		closed.BusAddress = b.busAddress
	}
	e.mu.RLock()
	chain := e.middleware
	e.mu.RUnlock()
	if err := chain.Execute(middleware.NewContext(), closed); err != nil {
		e.ctx.WithField("LinkRef", l.ID()).WithError(err).Warn("Middleware failed on closed link")
	}
	if b == nil {
		return
	}

	b.stopWatchdog()
	if b.direction == link.Outbound && b.busAddress != "" {
		e.removeSource(b.busAddress, b.ref)
	}
	switch b.kind {
	case establishedBinding, serviceBinding:
		e.notify(b.notificationAddress, &types.Notification{
			Type:    types.LinkClosedNotification,
			LinkRef: b.ref,
			Address: b.amqpAddress,
		})
	case replyBinding:
		b.logger(e.ctx).Warn("Reply link closed")
	}
	b.logger(e.ctx).Debug("Link closed")
}

// CreditAvailable implements connection.Listener
func (e *Exchange) CreditAvailable(c *connection.Connection, l *link.OutboundLink) {
	b := e.binding(l.ID())
	if b == nil {
		return
	}
	switch b.kind {
	case establishedBinding:
		e.notify(b.notificationAddress, &types.Notification{
			Type:    types.LinkCreditNotification,
			LinkRef: b.ref,
			Credits: l.Credit(),
		})
	case routedBinding:
		go e.drain(b)
	}
}

// Message implements connection.Listener
func (e *Exchange) Message(c *connection.Connection, l *link.InboundLink, d *connection.Delivery) types.MessageState {
	ctx := e.ctx.WithFields(log.Fields{
		"LinkRef": l.ID(),
		"MsgRef":  d.Ref,
	})
	b := e.binding(l.ID())
	if b == nil {
		ctx.Warn("Message on link that is not bound")
		return types.Released
	}
	body := message.FromAMQP(d.Message)

	switch b.kind {
	case establishedBinding, serviceBinding:
		body[types.IncomingMessageRefField] = d.Ref
		body[types.IncomingLinkRefField] = l.ID()
		tracked := b.reliability == types.AtLeastOnce && !d.Settled
		if tracked {
			e.mu.Lock()
			e.deliveries[d.Ref] = &delivery{conn: c, linkID: l.ID(), tag: d.Tag}
			e.mu.Unlock()
		}
		err := e.publish(l.ID(), b.amqpAddress, &types.BusMessage{Address: b.busAddress, Body: body})
		if err != nil {
			ctx.WithError(err).Warn("Could not publish message")
			if tracked {
				e.mu.Lock()
				delete(e.deliveries, d.Ref)
				e.mu.Unlock()
			}
			return failedState(err)
		}
		if tracked {
			return types.Unknown
		}
		return types.Accepted

	default:
		var failed error
		for _, address := range e.routeInbound(l.Address(), body) {
			if err := e.publish(l.ID(), b.amqpAddress, &types.BusMessage{Address: address, Body: body}); err != nil {
				ctx.WithField("BusAddress", address).WithError(err).Warn("Could not publish message")
				failed = err
			}
		}
		if failed != nil {
			return failedState(failed)
		}
		return types.Accepted
	}
}

// failedState is the state of a delivery that could not be published.
// Messages that are dropped by middleware would be dropped again.
func failedState(err error) types.MessageState {
	if errors.Is(err, errDropped) {
		return types.Rejected
	}
	return types.Released
}

// Settled implements connection.Listener
func (e *Exchange) Settled(c *connection.Connection, t *link.Tracker) {
	settledCounter.WithLabelValues(string(t.State())).Inc()
	e.notify(t.NotificationAddress, &types.Notification{
		Type:          types.DeliveryStateNotification,
		LinkRef:       t.LinkID,
		MessageRef:    t.Ref,
		DeliveryState: types.DeliverySettled,
		MessageState:  t.State(),
	})
}
