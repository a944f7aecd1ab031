// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/address"
	"github.com/TheThingsNetwork/amqp-bridge/connection"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/message"
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/status"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
	"github.com/google/uuid"
)

type bindingKind int

const (
	// established with the control operations
	establishedBinding bindingKind = iota
	// attached by a peer to a registered service
	serviceBinding
	// attached by a peer to any other address
	peerBinding
	// created for messages from the handler addresses
	routedBinding
	// receives replies to requests
	replyBinding
)

// binding of a link to the bus
type binding struct {
	ref                 string
	kind                bindingKind
	direction           link.Direction
	conn                *connection.Connection
	amqpAddress         string
	busAddress          string
	notificationAddress string
	reliability         types.ReliabilityMode
	watchdog            *watchdog

	// guarded by the mutex of the Exchange
	opened bool

	mu      sync.Mutex
	pending []*amqp.Message
	drainMu sync.Mutex
}

func (b *binding) stopWatchdog() {
	if b.watchdog != nil {
		b.watchdog.Stop()
	}
}

func (b *binding) logger(ctx log.Interface) log.Interface {
	return ctx.WithFields(log.Fields{
		"LinkRef":     b.ref,
		"AMQPAddress": b.amqpAddress,
	})
}

// delivery that waits for settlement by a bus application
type delivery struct {
	conn   *connection.Connection
	linkID string
	tag    []byte
}

var errDropped = errors.New("exchange: dropped by middleware")

func (e *Exchange) binding(ref string) *binding {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bindings[ref]
}

func (e *Exchange) lookup(ref string, direction link.Direction) (*binding, error) {
	b := e.binding(ref)
	if b == nil || b.direction != direction || b.kind == routedBinding || b.kind == replyBinding {
		return nil, ErrLinkNotFound
	}
	return b, nil
}

func (e *Exchange) addBinding(b *binding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bindings[b.ref] = b
}

// removeBinding removes the binding with the ref and returns it
func (e *Exchange) removeBinding(ref string) *binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bindings[ref]
	if !ok {
		return nil
	}
	delete(e.bindings, ref)
	if b.kind == routedBinding && e.routed[b.amqpAddress] == b {
		delete(e.routed, b.amqpAddress)
	}
	for msgRef, d := range e.deliveries {
		if d.linkID == ref {
			delete(e.deliveries, msgRef)
		}
	}
	return b
}

// establish a link for the binding. The binding is registered before the link
// is created, so that it is found when the peer attaches.
func (e *Exchange) establish(b *binding, create func(c *connection.Connection, target string) error) error {
	if !e.isStarted() {
		return ErrStopped
	}
	settings, err := address.Parse(b.amqpAddress)
	if err != nil {
		return err
	}
	if settings.Target == "" {
		return ErrNoTarget
	}
	c, err := e.connection(settings)
	if err != nil {
		return err
	}
	b.ref = uuid.New().String()
	b.conn = c
	b.watchdog = newWatchdog(e.config.LinkEstablishTimeout, func() { e.establishTimeout(b) })
	e.addBinding(b)

	if b.direction == link.Outbound {
		if err := e.addSource(b.busAddress, b.ref); err != nil {
			b.stopWatchdog()
			e.removeBinding(b.ref)
			return err
		}
	}

	if err := create(c, settings.Target); err != nil {
		b.stopWatchdog()
		e.removeBinding(b.ref)
		if b.direction == link.Outbound {
			e.removeSource(b.busAddress, b.ref)
		}
		return err
	}

	b.logger(e.ctx).WithFields(log.Fields{
		"BusAddress": b.busAddress,
		"Direction":  b.direction,
	}).Info("Established link")
	return nil
}

func (e *Exchange) establishTimeout(b *binding) {
	e.mu.RLock()
	expired := !b.opened && e.bindings[b.ref] == b
	e.mu.RUnlock()
	if !expired {
		return
	}
	b.logger(e.ctx).Warn("Link was not attached in time")
	e.removeBinding(b.ref)
	if b.direction == link.Outbound {
		e.removeSource(b.busAddress, b.ref)
	}
	if err := b.conn.CloseLink(b.ref); err != nil {
		b.logger(e.ctx).WithError(err).Debug("Could not close link")
	}
	e.notify(b.notificationAddress, &types.Notification{
		Type:    types.LinkClosedNotification,
		LinkRef: b.ref,
		Address: b.amqpAddress,
		Error:   ErrLinkTimeout,
	})
}

// EstablishIncomingLink attaches a link that receives messages from the AMQP
// address and publishes them to the bus address. It returns the link ref.
// Notifications about the link are published to the notification address.
func (e *Exchange) EstablishIncomingLink(amqpAddress, busAddress, notificationAddress string, opts types.IncomingLinkOptions) (string, error) {
	if opts.Prefetch < 0 {
		return "", link.ErrNegativeCredit
	}
	b := &binding{
		kind:                establishedBinding,
		direction:           link.Inbound,
		amqpAddress:         amqpAddress,
		busAddress:          busAddress,
		notificationAddress: notificationAddress,
		reliability:         opts.GetReliability(),
	}
	err := e.establish(b, func(c *connection.Connection, target string) error {
		_, err := c.CreateInboundLink(b.ref, target, opts)
		return err
	})
	if err != nil {
		return "", err
	}
	return b.ref, nil
}

// EstablishOutgoingLink attaches a link that sends the messages that are
// published to the bus address to the AMQP address. It returns the link ref.
// Notifications about the link are published to the notification address.
func (e *Exchange) EstablishOutgoingLink(amqpAddress, busAddress, notificationAddress string, opts types.OutgoingLinkOptions) (string, error) {
	b := &binding{
		kind:                establishedBinding,
		direction:           link.Outbound,
		amqpAddress:         amqpAddress,
		busAddress:          busAddress,
		notificationAddress: notificationAddress,
		reliability:         opts.GetReliability(),
	}
	err := e.establish(b, func(c *connection.Connection, target string) error {
		_, err := c.CreateOutboundLink(b.ref, target, b.reliability)
		return err
	})
	if err != nil {
		return "", err
	}
	return b.ref, nil
}

// CancelIncomingLink closes a link that was established with EstablishIncomingLink
func (e *Exchange) CancelIncomingLink(ref string) error {
	return e.cancel(ref, link.Inbound)
}

// CancelOutgoingLink closes a link that was established with EstablishOutgoingLink
func (e *Exchange) CancelOutgoingLink(ref string) error {
	return e.cancel(ref, link.Outbound)
}

func (e *Exchange) cancel(ref string, direction link.Direction) error {
	b, err := e.lookup(ref, direction)
	if err != nil {
		return err
	}
	b.stopWatchdog()
	if direction == link.Outbound {
		e.removeSource(b.busAddress, b.ref)
	}
	if err := b.conn.CloseLink(ref); err != nil {
		if errors.Is(err, connection.ErrLinkNotFound) || errors.Is(err, connection.ErrClosed) {
			e.removeBinding(ref)
			return nil
		}
		return err
	}
	b.logger(e.ctx).Info("Cancelled link")
	return nil
}

// Fetch issues credit for count messages on an incoming link
func (e *Exchange) Fetch(ref string, count int) error {
	return e.IssueCredits(ref, count)
}

// IssueCredits issues credit on an incoming link or on a link that a peer
// attached to a service
func (e *Exchange) IssueCredits(ref string, credits int) error {
	b, err := e.lookup(ref, link.Inbound)
	if err != nil {
		return err
	}
	err = b.conn.IssueCredits(ref, credits)
	if errors.Is(err, connection.ErrLinkNotFound) || errors.Is(err, connection.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrLinkNotFound, err)
	}
	return err
}

// Accept a message that was received on an AT_LEAST_ONCE link
func (e *Exchange) Accept(msgRef string) error {
	return e.settle(msgRef, types.Accepted)
}

// Reject a message that was received on an AT_LEAST_ONCE link
func (e *Exchange) Reject(msgRef string) error {
	return e.settle(msgRef, types.Rejected)
}

// Release a message that was received on an AT_LEAST_ONCE link
func (e *Exchange) Release(msgRef string) error {
	return e.settle(msgRef, types.Released)
}

func (e *Exchange) settle(msgRef string, state types.MessageState) error {
	e.mu.Lock()
	d, ok := e.deliveries[msgRef]
	if ok {
		delete(e.deliveries, msgRef)
	}
	e.mu.Unlock()
	if !ok {
		return ErrMessageNotFound
	}
	err := d.conn.Settle(d.linkID, d.tag, state)
	switch {
	case errors.Is(err, connection.ErrDeliveryNotFound), errors.Is(err, connection.ErrLinkNotFound), errors.Is(err, connection.ErrClosed):
		return fmt.Errorf("%w: %v", ErrMessageNotFound, err)
	case err != nil:
		return err
	}
	settledCounter.WithLabelValues(string(state)).Inc()
	e.ctx.WithFields(log.Fields{
		"MsgRef": msgRef,
		"State":  state,
	}).Debug("Settled message")
	return nil
}

// addSource adds an outbound link to the links that receive the messages
// published to the bus address
func (e *Exchange) addSource(address, ref string) error {
	e.mu.Lock()
	refs, ok := e.sources[address]
	if !ok {
		refs = mapset.NewSet()
		e.sources[address] = refs
	}
	refs.Add(ref)
	e.mu.Unlock()
	if ok {
		return nil
	}
	if err := e.subscribe(address, func(msg *types.BusMessage) { e.handleSource(address, msg) }); err != nil {
		e.mu.Lock()
		refs.Remove(ref)
		if refs.Cardinality() == 0 && e.sources[address] == refs {
			delete(e.sources, address)
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Exchange) removeSource(address, ref string) {
	e.mu.Lock()
	refs, ok := e.sources[address]
	if !ok || !refs.Contains(ref) {
		e.mu.Unlock()
		return
	}
	refs.Remove(ref)
	last := refs.Cardinality() == 0
	if last {
		delete(e.sources, address)
	}
	e.mu.Unlock()
	if last {
		e.unsubscribe(address)
	}
}

func (e *Exchange) handleSource(address string, msg *types.BusMessage) {
	var targets []*binding
	e.mu.RLock()
	if refs, ok := e.sources[address]; ok {
		for _, ref := range refs.ToSlice() {
			if b, ok := e.bindings[ref.(string)]; ok {
				targets = append(targets, b)
			}
		}
	}
	e.mu.RUnlock()
	for _, b := range targets {
		e.sendOnLink(b, msg)
	}
}

// executeOutbound runs the middleware on a message on its way to AMQP
func (e *Exchange) executeOutbound(msg *types.BusMessage, amqpAddress string) error {
	e.mu.RLock()
	chain := e.middleware
	e.mu.RUnlock()
	if err := chain.Execute(middleware.NewContext(), &types.OutboundMessage{
		BusAddress:  msg.Address,
		AMQPAddress: amqpAddress,
		Message:     msg,
	}); err != nil {
		droppedCounter.WithLabelValues("middleware").Inc()
		return fmt.Errorf("%w: %v", errDropped, err)
	}
	return nil
}

// sendOnLink sends a bus message on an outbound link that is bound to its address
func (e *Exchange) sendOnLink(b *binding, msg *types.BusMessage) {
	ctx := b.logger(e.ctx)
	if err := e.executeOutbound(msg, b.amqpAddress); err != nil {
		ctx.WithError(err).Debug("Dropped message")
		return
	}
	ref, _ := msg.Body[types.OutgoingMessageRefField].(string)
	amqpMsg, err := message.ToAMQP(msg.Body)
	if err == nil {
		err = b.conn.Send(b.ref, amqpMsg, ref, b.notificationAddress)
	}
	if err == nil {
		routedCounter.WithLabelValues("outbound").Inc()
		status.Outbound()
		ctx.WithField("MsgRef", ref).Debug("Sent message")
		return
	}

	transient := errors.Is(err, link.ErrCreditExhausted)
	if transient {
		droppedCounter.WithLabelValues("no-credit").Inc()
		ctx.Warn("Could not send message [no credit]")
	} else {
		droppedCounter.WithLabelValues("send").Inc()
		ctx.WithError(err).Warn("Could not send message")
	}
	if b.kind == establishedBinding {
		e.notify(b.notificationAddress, &types.Notification{
			Type:       types.LinkErrorNotification,
			LinkRef:    b.ref,
			MessageRef: ref,
			Error:      err,
		})
	}
	if msg.ReplyTo != "" {
		if err := e.bus.Publish(types.FailureMessage(msg.ReplyTo, err, transient)); err != nil {
			ctx.WithError(err).Warn("Could not publish failure")
		}
	}
}
