// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package inject

import (
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Fields to inject
type Fields struct {
	// ApplicationProperties are added to messages sent to AMQP
	ApplicationProperties map[string]string
	// Headers are added to messages published on the bus
	Headers map[string]string
}

// NewInject returns a middleware that injects fields into all messages
func NewInject(fields Fields) *Inject {
	return &Inject{
		fields: fields,
	}
}

// Inject fields into all messages
type Inject struct {
	fields Fields
}

// HandleOutbound inserts application properties into outbound messages if not present
func (i *Inject) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	if len(i.fields.ApplicationProperties) == 0 {
		return nil
	}
	if msg.Message.Body == nil {
		msg.Message.Body = make(map[string]interface{})
	}
	props, ok := msg.Message.Body[types.ApplicationPropertiesField].(map[string]interface{})
	if !ok {
		props = make(map[string]interface{})
		msg.Message.Body[types.ApplicationPropertiesField] = props
	}
	for k, v := range i.fields.ApplicationProperties {
		if _, ok := props[k]; !ok {
			props[k] = v
		}
	}
	return nil
}

// HandleInbound inserts headers into inbound messages if not present
func (i *Inject) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	for k, v := range i.fields.Headers {
		if msg.Message.Header(k) == "" {
			msg.Message.SetHeader(k, v)
		}
	}
	return nil
}
