// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package link

import "github.com/TheThingsNetwork/amqp-bridge/types"

// OutboundLink sends messages to the peer
type OutboundLink struct {
	base
	credit uint32
}

// NewOutbound returns a new outbound link
func NewOutbound(id, address string, reliability types.ReliabilityMode, remote bool) *OutboundLink {
	return &OutboundLink{
		base: base{
			id:          id,
			address:     address,
			reliability: reliability,
			remote:      remote,
		},
	}
}

// Direction implements Link
func (l *OutboundLink) Direction() Direction { return Outbound }

// Credit returns the credit the peer has given
func (l *OutboundLink) Credit() uint32 { return l.credit }

// Flow sets the credit as reported by the peer. It returns true if the link
// went from no credit to some credit.
func (l *OutboundLink) Flow(credit uint32) bool {
	available := l.credit == 0 && credit > 0
	l.credit = credit
	return available
}

// Consume one credit for a send
func (l *OutboundLink) Consume() error {
	if l.closed {
		return ErrClosed
	}
	if l.credit == 0 {
		return ErrCreditExhausted
	}
	l.credit--
	return nil
}
