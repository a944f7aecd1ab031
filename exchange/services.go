// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/TheThingsNetwork/amqp-bridge/connection"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

// service is a bus application that AMQP clients attach links to
type service struct {
	address             string
	notificationAddress string
	options             types.ServiceOptions
}

// RegisterService registers a service at the bus address. Links that AMQP
// clients attach to that address are bound to the service.
func (e *Exchange) RegisterService(busAddress, notificationAddress string, opts types.ServiceOptions) error {
	if opts.InitialCapacity < 0 {
		return link.ErrNegativeCredit
	}
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrStopped
	}
	svc := &service{
		address:             busAddress,
		notificationAddress: notificationAddress,
		options:             opts,
	}
	e.services[busAddress] = svc
	e.mu.Unlock()
	e.saveService(svc)
	e.ctx.WithFields(log.Fields{
		"BusAddress":      busAddress,
		"InitialCapacity": opts.InitialCapacity,
		"Reliability":     opts.GetReliability(),
	}).Info("Registered service")
	return nil
}

// UnregisterService removes the service at the bus address and closes the
// links that are attached to it
func (e *Exchange) UnregisterService(busAddress string) error {
	e.mu.Lock()
	if _, ok := e.services[busAddress]; !ok {
		e.mu.Unlock()
		return ErrServiceNotFound
	}
	delete(e.services, busAddress)
	var attached []*binding
	for _, b := range e.bindings {
		if b.kind == serviceBinding && b.busAddress == busAddress {
			attached = append(attached, b)
		}
	}
	e.mu.Unlock()
	e.deleteService(busAddress)

	for _, b := range attached {
		if err := b.conn.CloseLink(b.ref); err != nil {
			b.logger(e.ctx).WithError(err).Warn("Could not close service link")
		}
	}
	e.ctx.WithField("BusAddress", busAddress).Info("Unregistered service")
	return nil
}

func (e *Exchange) service(address string) (*service, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	svc, ok := e.services[address]
	return svc, ok
}

// remoteLinkOpened binds a link that a peer attached
func (e *Exchange) remoteLinkOpened(c *connection.Connection, l link.Link) {
	b := &binding{
		ref:         l.ID(),
		kind:        peerBinding,
		direction:   l.Direction(),
		conn:        c,
		amqpAddress: l.Address(),
		reliability: l.Reliability(),
		opened:      true,
	}
	ctx := b.logger(e.ctx)

	if l.Direction() == link.Outbound {
		b.busAddress = l.Address()
		e.addBinding(b)
		if err := e.addSource(b.busAddress, b.ref); err != nil {
			ctx.WithError(err).Warn("Could not subscribe to source address")
			go c.CloseLink(b.ref)
		}
		return
	}

	svc, ok := e.service(l.Address())
	if !ok {
		e.addBinding(b)
		return
	}
	b.kind = serviceBinding
	b.busAddress = svc.address
	b.notificationAddress = svc.notificationAddress
	e.addBinding(b)
	if n := svc.options.InitialCapacity; n > 0 {
		go func() {
			if err := c.IssueCredits(b.ref, n); err != nil {
				ctx.WithError(err).Warn("Could not issue initial credit")
			}
		}()
	}
	e.notify(svc.notificationAddress, &types.Notification{
		Type:    types.LinkOpenedNotification,
		LinkRef: b.ref,
		Address: b.amqpAddress,
	})
	ctx.Info("Client attached to service")
}
