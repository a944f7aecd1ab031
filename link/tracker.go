// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package link

import "github.com/TheThingsNetwork/amqp-bridge/types"

// Tracker follows an unsettled outbound delivery until the peer settles it
type Tracker struct {
	Tag                 []byte
	LinkID              string
	Ref                 string
	NotificationAddress string

	state   types.MessageState
	settled bool
}

// NewTracker returns a new Tracker for the delivery tag on the link
func NewTracker(tag []byte, linkID, ref, notificationAddress string) *Tracker {
	return &Tracker{
		Tag:                 tag,
		LinkID:              linkID,
		Ref:                 ref,
		NotificationAddress: notificationAddress,
		state:               types.Unknown,
	}
}

// Settle records the outcome. A tracker can only be settled once.
func (t *Tracker) Settle(state types.MessageState) error {
	if t.settled {
		return ErrAlreadySettled
	}
	t.state = state
	t.settled = true
	return nil
}

// State returns the outcome, types.Unknown until settled
func (t *Tracker) State() types.MessageState { return t.state }

// Settled returns whether the peer settled the delivery
func (t *Tracker) Settled() bool { return t.settled }
