// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/address"
	"github.com/TheThingsNetwork/amqp-bridge/connection"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/message"
	"github.com/TheThingsNetwork/amqp-bridge/status"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// replyPrefetch is the credit window of the link that receives replies
const replyPrefetch = 10

type pendingReply struct {
	address  string
	watchdog *watchdog
}

// handleOutbound routes a message from a handler address to AMQP
func (e *Exchange) handleOutbound(msg *types.BusMessage) {
	key := e.router.ExtractOutboundRoutingKey(msg)
	ctx := e.ctx.WithFields(log.Fields{
		"BusAddress": msg.Address,
		"RoutingKey": key,
	})
	destinations := e.router.RouteOutbound(key)
	if len(destinations) == 0 {
		if e.config.DefaultOutboundAddress == "" {
			droppedCounter.WithLabelValues("no-route").Inc()
			ctx.Warn("Dropped message [no route]")
			return
		}
		destinations = []string{e.config.DefaultOutboundAddress}
	}
	if msg.Body == nil {
		msg.Body = make(map[string]interface{})
	}

	messageID := e.expectReply(msg)
	for _, amqpAddress := range destinations {
		if err := e.sendRouted(amqpAddress, msg); err != nil {
			ctx.WithField("AMQPAddress", amqpAddress).WithError(err).Warn("Could not route message")
			if msg.ReplyTo == "" {
				continue
			}
			if messageID != "" {
				e.takeReply(messageID)
			}
			if err := e.bus.Publish(types.FailureMessage(msg.ReplyTo, err, errors.Is(err, link.ErrCreditExhausted))); err != nil {
				ctx.WithError(err).Warn("Could not publish failure")
			}
			continue
		}
		ctx.WithField("AMQPAddress", amqpAddress).Debug("Routed message")
	}
}

// sendRouted sends a message to an AMQP address on the routed link to that address
func (e *Exchange) sendRouted(amqpAddress string, msg *types.BusMessage) error {
	if err := e.executeOutbound(msg, amqpAddress); err != nil {
		return err
	}
	amqpMsg, err := message.ToAMQP(msg.Body)
	if err != nil {
		return err
	}
	b, err := e.routedLink(amqpAddress)
	if err != nil {
		return err
	}
	return e.sendOrBuffer(b, amqpMsg)
}

// routedLink returns the routed link to an AMQP address, and creates it if there is none
func (e *Exchange) routedLink(amqpAddress string) (*binding, error) {
	e.mu.RLock()
	b, ok := e.routed[amqpAddress]
	e.mu.RUnlock()
	if ok {
		return b, nil
	}
	if !e.isStarted() {
		return nil, ErrStopped
	}

	settings, err := address.Parse(amqpAddress)
	if err != nil {
		return nil, err
	}
	if settings.Target == "" {
		return nil, ErrNoTarget
	}
	c, err := e.connection(settings)
	if err != nil {
		return nil, err
	}

	b = &binding{
		ref:         uuid.New().String(),
		kind:        routedBinding,
		direction:   link.Outbound,
		conn:        c,
		amqpAddress: amqpAddress,
		reliability: types.Unreliable,
	}
	e.mu.Lock()
	if existing, ok := e.routed[amqpAddress]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.routed[amqpAddress] = b
	e.bindings[b.ref] = b
	e.mu.Unlock()

	if _, err := c.CreateOutboundLink(b.ref, settings.Target, types.Unreliable); err != nil {
		e.removeBinding(b.ref)
		return nil, err
	}
	b.logger(e.ctx).Info("Created routed link")
	return b, nil
}

// sendOrBuffer sends the message if the link has credit. Otherwise the
// message is kept until the peer issues credit.
func (e *Exchange) sendOrBuffer(b *binding, msg *amqp.Message) error {
	b.mu.Lock()
	if len(b.pending) > 0 {
		defer b.mu.Unlock()
		return e.buffer(b, msg)
	}
	b.mu.Unlock()

	err := b.conn.Send(b.ref, msg, "", "")
	if err == nil {
		routedCounter.WithLabelValues("outbound").Inc()
		status.Outbound()
		return nil
	}
	if !errors.Is(err, link.ErrCreditExhausted) {
		droppedCounter.WithLabelValues("send").Inc()
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return e.buffer(b, msg)
}

// buffer must be called with the binding locked
func (e *Exchange) buffer(b *binding, msg *amqp.Message) error {
	if len(b.pending) >= e.config.OutboundBuffer {
		droppedCounter.WithLabelValues("no-credit").Inc()
		return link.ErrCreditExhausted
	}
	b.pending = append(b.pending, msg)
	if len(b.pending) == 1 {
		// Credit may have arrived since the send failed
		go e.drain(b)
	}
	return nil
}

// drain sends buffered messages while the link has credit
func (e *Exchange) drain(b *binding) {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		msg := b.pending[0]
		b.mu.Unlock()

		err := b.conn.Send(b.ref, msg, "", "")
		if errors.Is(err, link.ErrCreditExhausted) {
			return
		}

		b.mu.Lock()
		b.pending = b.pending[1:]
		b.mu.Unlock()

		switch {
		case errors.Is(err, connection.ErrClosed), errors.Is(err, connection.ErrLinkNotFound):
			b.mu.Lock()
			droppedCounter.WithLabelValues("send").Add(float64(len(b.pending) + 1))
			b.pending = nil
			b.mu.Unlock()
			return
		case err != nil:
			droppedCounter.WithLabelValues("send").Inc()
			b.logger(e.ctx).WithError(err).Warn("Could not send buffered message")
		default:
			routedCounter.WithLabelValues("outbound").Inc()
			status.Outbound()
		}
	}
}

// expectReply prepares a message of which the bus sender expects a reply. It
// returns the message-id that the reply will correlate to.
func (e *Exchange) expectReply(msg *types.BusMessage) string {
	e.mu.RLock()
	replyNode := e.replyNode
	e.mu.RUnlock()
	if msg.ReplyTo == "" || replyNode == "" {
		return ""
	}
	messageID := message.Property(msg.Body, types.MessageIDProperty)
	if messageID == "" {
		messageID = uuid.New().String()
		message.SetProperty(msg.Body, types.MessageIDProperty, messageID)
	}
	message.SetProperty(msg.Body, types.ReplyToProperty, replyNode)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.replies[messageID]; ok && existing.address == msg.ReplyTo {
		existing.watchdog.Kick()
		return messageID
	}
	reply := &pendingReply{address: msg.ReplyTo}
	reply.watchdog = newWatchdog(e.config.ReplyTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.replies[messageID] == reply {
			delete(e.replies, messageID)
			e.ctx.WithField("MessageID", messageID).Debug("Reply expired")
		}
	})
	if existing, ok := e.replies[messageID]; ok {
		existing.watchdog.Stop()
	}
	e.replies[messageID] = reply
	return messageID
}

// takeReply returns the bus address that waits for the reply to a message
func (e *Exchange) takeReply(messageID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reply, ok := e.replies[messageID]
	if !ok {
		return "", false
	}
	reply.watchdog.Stop()
	delete(e.replies, messageID)
	return reply.address, true
}

// routeInbound returns the bus addresses for a message received on a link
// that is not bound to a bus address
func (e *Exchange) routeInbound(linkAddress string, body map[string]interface{}) []string {
	if correlationID := message.Property(body, types.CorrelationIDProperty); correlationID != "" {
		if address, ok := e.takeReply(correlationID); ok {
			return []string{address}
		}
	}
	key := e.router.ExtractInboundRoutingKey(linkAddress, body)
	if destinations := e.router.RouteInbound(key); len(destinations) > 0 {
		return destinations
	}
	return []string{linkAddress}
}

func (e *Exchange) establishReplyLink() error {
	settings, err := address.Parse(e.config.ReplyToAddress)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.replyNode = settings.Target
	e.mu.Unlock()
	b := &binding{
		kind:        replyBinding,
		direction:   link.Inbound,
		amqpAddress: e.config.ReplyToAddress,
		reliability: types.Unreliable,
	}
	return e.establish(b, func(c *connection.Connection, target string) error {
		_, err := c.CreateInboundLink(b.ref, target, types.IncomingLinkOptions{
			Reliability: types.Unreliable,
			Prefetch:    replyPrefetch,
		})
		return err
	})
}

// AddInboundRoute routes inbound messages with a routing key that matches the
// pattern to the bus address
func (e *Exchange) AddInboundRoute(pattern, busAddress string) error {
	if err := e.router.AddInboundRoute(pattern, busAddress); err != nil {
		return err
	}
	e.ctx.WithFields(log.Fields{
		"Pattern":    pattern,
		"BusAddress": busAddress,
	}).Info("Added inbound route")
	return nil
}

// RemoveInboundRoute removes an inbound route
func (e *Exchange) RemoveInboundRoute(pattern, busAddress string) {
	e.router.RemoveInboundRoute(pattern, busAddress)
	e.ctx.WithFields(log.Fields{
		"Pattern":    pattern,
		"BusAddress": busAddress,
	}).Info("Removed inbound route")
}

// AddOutboundRoute routes outbound messages with a routing key that matches
// the pattern to the AMQP address
func (e *Exchange) AddOutboundRoute(pattern, amqpAddress string) error {
	if _, err := address.Parse(amqpAddress); err != nil {
		return err
	}
	if err := e.router.AddOutboundRoute(pattern, amqpAddress); err != nil {
		return err
	}
	e.ctx.WithFields(log.Fields{
		"Pattern":     pattern,
		"AMQPAddress": amqpAddress,
	}).Info("Added outbound route")
	return nil
}

// RemoveOutboundRoute removes an outbound route
func (e *Exchange) RemoveOutboundRoute(pattern, amqpAddress string) {
	e.router.RemoveOutboundRoute(pattern, amqpAddress)
	e.ctx.WithFields(log.Fields{
		"Pattern":     pattern,
		"AMQPAddress": amqpAddress,
	}).Info("Removed outbound route")
}
