// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"errors"
	"sync"

	"github.com/TheThingsNetwork/amqp-bridge/message"
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// NewDeduplicate returns a middleware that drops messages that a peer delivers
// twice in a row, such as redeliveries after a lost disposition
func NewDeduplicate() *Deduplicate {
	return &Deduplicate{
		lastMessage: make(map[string]string),
	}
}

// Deduplicate middleware
type Deduplicate struct {
	mu sync.Mutex
	// last message ID per link
	lastMessage map[string]string
}

// HandleLinkClosed cleans up
func (d *Deduplicate) HandleLinkClosed(_ middleware.Context, msg *types.LinkClosedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastMessage, msg.LinkRef)
	return nil
}

// ErrDuplicateMessage is returned when a message is received multiple times
var ErrDuplicateMessage = errors.New("deduplicate: already handled this message")

// HandleInbound blocks duplicate messages. Messages without message ID are
// never considered duplicates.
func (d *Deduplicate) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	id := message.Property(msg.Message.Body, types.MessageIDProperty)
	if id == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if lastMessage, ok := d.lastMessage[msg.LinkRef]; ok && lastMessage == id {
		return ErrDuplicateMessage
	}
	d.lastMessage[msg.LinkRef] = id
	return nil
}
