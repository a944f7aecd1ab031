// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

// InboundMessage is a message received on an AMQP link, on its way to the bus
type InboundMessage struct {
	LinkRef     string
	AMQPAddress string
	Message     *BusMessage
}

// OutboundMessage is a message received on the bus, on its way to an AMQP link
type OutboundMessage struct {
	BusAddress  string
	AMQPAddress string
	Message     *BusMessage
}

// LinkClosedMessage is emitted when a link of the bridge is closed
type LinkClosedMessage struct {
	LinkRef     string
	AMQPAddress string
	BusAddress  string
}
