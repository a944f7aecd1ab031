// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package connection

import (
	"encoding/binary"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/google/uuid"
)

func newLinkID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func (c *Connection) nextTag() []byte {
	c.deliveryCount++
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, c.deliveryCount)
	return tag
}

// CreateInboundLink attaches a link on which the bridge receives from the
// address. An empty id gets a generated one.
func (c *Connection) CreateInboundLink(id, address string, opts types.IncomingLinkOptions) (l *link.InboundLink, err error) {
	err = c.Run(func() error {
		if c.defaultSession == 0 {
			return ErrNoSession
		}
		h, err := c.engine.AttachReceiver(c.defaultSession, address)
		if err != nil {
			return err
		}
		l = link.NewInbound(newLinkID(id), address, opts.GetReliability(), opts.CreditMode(), uint32(opts.Prefetch), false)
		c.addLink(l, h, c.defaultSession)
		c.flow(l, h, l.Init())
		c.flush()
		c.ctx.WithField("LinkID", l.ID()).WithField("Address", address).Debug("Created inbound link")
		return nil
	})
	return
}

// CreateOutboundLink attaches a link on which the bridge sends to the
// address. An empty id gets a generated one.
func (c *Connection) CreateOutboundLink(id, address string, reliability types.ReliabilityMode) (l *link.OutboundLink, err error) {
	err = c.Run(func() error {
		if c.defaultSession == 0 {
			return ErrNoSession
		}
		h, err := c.engine.AttachSender(c.defaultSession, address, reliability == types.Unreliable)
		if err != nil {
			return err
		}
		l = link.NewOutbound(newLinkID(id), address, reliability, false)
		c.addLink(l, h, c.defaultSession)
		c.flush()
		c.ctx.WithField("LinkID", l.ID()).WithField("Address", address).Debug("Created outbound link")
		return nil
	})
	return
}

// Send a message on an outbound link. Deliveries on AT_LEAST_ONCE links are
// tracked until the peer settles them; the ref and notification address are
// kept with the tracker.
func (c *Connection) Send(linkID string, msg *amqp.Message, ref, notificationAddress string) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return c.Run(func() error {
		e, err := c.entry(linkID)
		if err != nil {
			return err
		}
		l, ok := e.link.(*link.OutboundLink)
		if !ok {
			return ErrLinkNotFound
		}
		if err := l.Consume(); err != nil {
			return err
		}
		tag := c.nextTag()
		settled := l.Reliability() != types.AtLeastOnce
		if err := c.engine.Send(e.handle, tag, payload, settled); err != nil {
			return err
		}
		if !settled {
			c.trackers[string(tag)] = link.NewTracker(tag, l.ID(), ref, notificationAddress)
		}
		c.flush()
		return nil
	})
}

// Settle a delivery that was received on an inbound link
func (c *Connection) Settle(linkID string, tag []byte, state types.MessageState) error {
	return c.Run(func() error {
		e, err := c.entry(linkID)
		if err != nil {
			return err
		}
		if err := c.settle(e, tag, state); err != nil {
			return err
		}
		c.flush()
		return nil
	})
}

// IssueCredits issues credit on an inbound link
func (c *Connection) IssueCredits(linkID string, credits int) error {
	return c.Run(func() error {
		e, err := c.entry(linkID)
		if err != nil {
			return err
		}
		l, ok := e.link.(*link.InboundLink)
		if !ok {
			return ErrLinkNotFound
		}
		n, err := l.Fetch(credits)
		if err != nil {
			return err
		}
		c.flow(l, e.handle, n)
		c.flush()
		return nil
	})
}

// Credit returns the credit of a link
func (c *Connection) Credit(linkID string) (credit uint32, err error) {
	err = c.Run(func() error {
		e, err := c.entry(linkID)
		if err != nil {
			return err
		}
		switch l := e.link.(type) {
		case *link.InboundLink:
			credit = l.Credit()
		case *link.OutboundLink:
			credit = l.Credit()
		}
		return nil
	})
	return
}

// CloseLink detaches a link. The listener is notified when the link is gone.
func (c *Connection) CloseLink(linkID string) error {
	return c.Run(func() error {
		e, err := c.entry(linkID)
		if err != nil {
			return err
		}
		if err := c.engine.Detach(e.handle); err != nil {
			return err
		}
		c.flush()
		return nil
	})
}
