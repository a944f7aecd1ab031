// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package link

import (
	"fmt"

	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// InboundLink receives messages from the peer
type InboundLink struct {
	base
	mode      types.CreditMode
	window    uint32
	credit    uint32
	unsettled uint32
}

// NewInbound returns a new inbound link. The window is only used in AUTO mode
// and defaults to types.DefaultPrefetch.
func NewInbound(id, address string, reliability types.ReliabilityMode, mode types.CreditMode, window uint32, remote bool) *InboundLink {
	if window == 0 {
		window = types.DefaultPrefetch
	}
	return &InboundLink{
		base: base{
			id:          id,
			address:     address,
			reliability: reliability,
			remote:      remote,
		},
		mode:   mode,
		window: window,
	}
}

// Direction implements Link
func (l *InboundLink) Direction() Direction { return Inbound }

// CreditMode of the link
func (l *InboundLink) CreditMode() types.CreditMode { return l.mode }

// Window is the credit window in AUTO mode
func (l *InboundLink) Window() uint32 { return l.window }

// Credit is the credit that was issued to the peer and not yet used
func (l *InboundLink) Credit() uint32 { return l.credit }

// Unsettled is the number of received deliveries that were not yet settled
func (l *InboundLink) Unsettled() uint32 { return l.unsettled }

// InitialCredit is issued when an AUTO link opens. The window is only reached
// after the first settlement.
const InitialCredit = 1

// Init returns the credit that should be issued when the link opens
func (l *InboundLink) Init() uint32 {
	if l.mode == types.AutoCredit {
		return InitialCredit
	}
	return 0
}

// Issued registers credit that was issued to the peer
func (l *InboundLink) Issued(n uint32) {
	l.credit += n
}

// Fetch validates an explicit request for credit
func (l *InboundLink) Fetch(n int) (uint32, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativeCredit, n)
	}
	if l.closed {
		return 0, ErrClosed
	}
	return uint32(n), nil
}

// Received registers a delivery and returns the credit to replenish
func (l *InboundLink) Received(settled bool) uint32 {
	if l.credit > 0 {
		l.credit--
	}
	if settled {
		return l.postReceiveCredit()
	}
	l.unsettled++
	return 0
}

// Settled registers the local settlement of a delivery and returns the credit to replenish
func (l *InboundLink) Settled() uint32 {
	if l.unsettled > 0 {
		l.unsettled--
	}
	return l.postReceiveCredit()
}

// In AUTO mode, a window of one is replenished on every settlement. Larger
// windows are topped up once less than half of the window is unsettled.
// Credit is additive on the wire, so the top-up never takes the outstanding
// credit plus unsettled deliveries above the window.
func (l *InboundLink) postReceiveCredit() uint32 {
	if l.mode != types.AutoCredit || l.closed {
		return 0
	}
	if l.window > 1 && l.unsettled >= l.window/2 {
		return 0
	}
	if l.unsettled+l.credit >= l.window {
		return 0
	}
	return l.window - l.unsettled - l.credit
}
