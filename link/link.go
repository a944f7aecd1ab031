// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package link keeps the state of AMQP links: credit for inbound and
// outbound links and the settlement of tracked deliveries.
//
// Link state is owned by the event loop of a connection and is not safe for
// concurrent use.
package link

import (
	"errors"

	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Link errors
var (
	ErrCreditExhausted = errors.New("link: no credit")
	ErrNegativeCredit  = errors.New("link: credit can not be negative")
	ErrAlreadySettled  = errors.New("link: delivery already settled")
	ErrClosed          = errors.New("link: closed")
)

// Direction of a link, seen from the bridge
type Direction string

// Directions
const (
	// Inbound links receive messages from the AMQP peer
	Inbound Direction = "inbound"
	// Outbound links send messages to the AMQP peer
	Outbound Direction = "outbound"
)

// Link is implemented by inbound and outbound links
type Link interface {
	ID() string
	Address() string
	Direction() Direction
	Reliability() types.ReliabilityMode
	Remote() bool
	Open() bool
	Closed() bool
	MarkOpen()
	MarkClosed()
}

type base struct {
	id          string
	address     string
	reliability types.ReliabilityMode
	remote      bool
	open        bool
	closed      bool
}

func (b *base) ID() string                         { return b.id }
func (b *base) Address() string                    { return b.address }
func (b *base) Reliability() types.ReliabilityMode { return b.reliability }

// Remote returns whether the peer initiated the link
func (b *base) Remote() bool { return b.remote }

// Open returns whether the peer has attached the link
func (b *base) Open() bool { return b.open }

// Closed returns whether the link was closed
func (b *base) Closed() bool { return b.closed }

// MarkOpen marks the link as attached by the peer
func (b *base) MarkOpen() { b.open = true }

// MarkClosed marks the link as closed
func (b *base) MarkClosed() { b.closed = true }
