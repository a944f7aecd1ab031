// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package debug

import (
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

// New returns a middleware that logs traffic
func New(ctx log.Interface) *Debug {
	return &Debug{ctx: ctx.WithField("Middleware", "Debug")}
}

// Debug middleware
type Debug struct {
	ctx log.Interface
}

func (d *Debug) fields(msg *types.BusMessage) log.Fields {
	fields := log.Fields{"BusAddress": msg.Address}
	if msg.ReplyTo != "" {
		fields["ReplyTo"] = msg.ReplyTo
	}
	if properties, ok := msg.Body[types.PropertiesField].(map[string]interface{}); ok {
		if id, ok := properties[types.MessageIDProperty]; ok {
			fields["MessageID"] = id
		}
	}
	return fields
}

// HandleInbound logs messages on their way to the bus
func (d *Debug) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	d.ctx.WithFields(d.fields(msg.Message)).WithFields(log.Fields{
		"LinkRef":     msg.LinkRef,
		"AMQPAddress": msg.AMQPAddress,
	}).Debug("Inbound message")
	return nil
}

// HandleOutbound logs messages on their way to AMQP
func (d *Debug) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	d.ctx.WithFields(d.fields(msg.Message)).WithField("AMQPAddress", msg.AMQPAddress).Debug("Outbound message")
	return nil
}

// HandleLinkClosed logs closed links
func (d *Debug) HandleLinkClosed(_ middleware.Context, msg *types.LinkClosedMessage) error {
	d.ctx.WithFields(log.Fields{
		"LinkRef":     msg.LinkRef,
		"AMQPAddress": msg.AMQPAddress,
		"BusAddress":  msg.BusAddress,
	}).Debug("Link closed")
	return nil
}
