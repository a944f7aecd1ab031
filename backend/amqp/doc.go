// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp uses an AMQP 0.9.1 server (such as RabbitMQ) as the event bus
// of the bridge.
//
// Messages are published to a topic exchange ("amq.topic" by default) with
// the bus address as routing key. Every subscribed address gets a queue named
// "[queue-prefix].[address]" that is bound to the exchange with the address
// as binding key, and that is deleted on unsubscribe.
//
// The payload is a JSON encoded types.BusMessage. The connection and channels
// are restored when they are lost.
package amqp
