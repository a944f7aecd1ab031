// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package engine defines the contract between a protocol engine and the
// connection event loop. An engine turns protocol activity into Events that
// it posts to a Collector; the event loop drains the Collector and drives the
// engine through a Connection.
package engine

import (
	"context"
	"fmt"

	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Handle identifies a session or link within an engine connection
type Handle uint32

// EventType is the type of an Event
type EventType int

// Event types
const (
	// ConnectionRemoteOpen is posted when the peer opened the connection
	ConnectionRemoteOpen EventType = iota
	// ConnectionFinal is posted when the connection is gone
	ConnectionFinal
	// SessionRemoteOpen is posted when the peer began a session
	SessionRemoteOpen
	// SessionFinal is posted when a session is gone
	SessionFinal
	// LinkRemoteOpen is posted when the peer attached a link
	LinkRemoteOpen
	// LinkFlow is posted when the credit of a sending link changed
	LinkFlow
	// LinkFinal is posted when a link is gone
	LinkFinal
	// Delivery is posted for incoming messages and for settlements of sent messages
	Delivery
	// Transport is posted for transport-level conditions
	Transport
)

var eventTypeNames = map[EventType]string{
	ConnectionRemoteOpen: "CONNECTION_REMOTE_OPEN",
	ConnectionFinal:      "CONNECTION_FINAL",
	SessionRemoteOpen:    "SESSION_REMOTE_OPEN",
	SessionFinal:         "SESSION_FINAL",
	LinkRemoteOpen:       "LINK_REMOTE_OPEN",
	LinkFlow:             "LINK_FLOW",
	LinkFinal:            "LINK_FINAL",
	Delivery:             "DELIVERY",
	Transport:            "TRANSPORT",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Role of a link, seen from the local end
type Role int

// Roles
const (
	// Receiver links receive messages from the peer
	Receiver Role = iota
	// Sender links send messages to the peer
	Sender
)

func (r Role) String() string {
	if r == Sender {
		return "sender"
	}
	return "receiver"
}

// DeliveryInfo is the delivery part of a Delivery event
type DeliveryInfo struct {
	Tag []byte
	// Partial is set while not all transfer frames of the delivery were received
	Partial bool
	// Settled is set if the peer settled the delivery
	Settled bool
	// State is the outcome reported by the peer for sent deliveries
	State types.MessageState
	// Payload is the encoded message for received deliveries
	Payload []byte
}

// Event posted by an engine
type Event struct {
	Type     EventType
	Session  Handle
	Link     Handle
	Role     Role
	Address  string
	Credit   uint32
	Delivery *DeliveryInfo
	Err      error
}

// Connection is an engine connection. All methods except Collector are called
// from the event loop only.
type Connection interface {
	// Collector returns the collector the engine posts its events to
	Collector() *Collector

	// Open the connection
	Open() error
	// BeginSession begins a local session
	BeginSession() (Handle, error)
	// OpenSession answers a session begun by the peer
	OpenSession(session Handle) error
	// AttachSender attaches a local sending link
	AttachSender(session Handle, address string, settled bool) (Handle, error)
	// AttachReceiver attaches a local receiving link
	AttachReceiver(session Handle, address string) (Handle, error)
	// OpenLink answers a link attached by the peer
	OpenLink(link Handle) error
	// Flow issues credit on a receiving link
	Flow(link Handle, credit uint32) error
	// Send an encoded message on a sending link
	Send(link Handle, tag []byte, payload []byte, settled bool) error
	// Disposition settles a received delivery
	Disposition(link Handle, tag []byte, state types.MessageState) error
	// Detach a link
	Detach(link Handle) error
	// Flush pending protocol output
	Flush() error
	// Close the connection
	Close() error
}

// Dialer opens engine connections to peers
type Dialer interface {
	Dial(ctx context.Context, settings *types.ConnectionSettings) (Connection, error)
}
