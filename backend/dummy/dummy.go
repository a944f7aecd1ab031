// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package dummy is an in-process event bus. Messages go through the same
// encoding as on a real bus.
package dummy

import (
	"sync"

	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of dummy messages that should be buffered
var BufferSize = 64

// Dummy bus
type Dummy struct {
	mu            sync.Mutex
	ctx           log.Interface
	subscriptions map[string]chan *types.BusMessage
}

// New returns a new Dummy bus
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:           ctx.WithField("Connector", "Dummy"),
		subscriptions: make(map[string]chan *types.BusMessage),
	}
}

// Connect implements backend.Bus
func (d *Dummy) Connect() error {
	d.ctx.Debug("Connected")
	return nil
}

// Disconnect implements backend.Bus
func (d *Dummy) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for address, messages := range d.subscriptions {
		close(messages)
		delete(d.subscriptions, address)
	}
	d.ctx.Debug("Disconnected")
	return nil
}

// Publish implements backend.Bus
func (d *Dummy) Publish(message *types.BusMessage) error {
	payload, err := backend.Marshal(message)
	if err != nil {
		return err
	}
	msg, err := backend.Unmarshal(message.Address, payload)
	if err != nil {
		return err
	}
	ctx := d.ctx.WithField("Address", message.Address)
	d.mu.Lock()
	defer d.mu.Unlock()
	messages, ok := d.subscriptions[message.Address]
	if !ok {
		ctx.Debug("Did not publish message [no subscribers]")
		return nil
	}
	select {
	case messages <- msg:
		ctx.Debug("Published message")
	default:
		ctx.Warn("Did not publish message [buffer full]")
	}
	return nil
}

// Subscribe implements backend.Bus
func (d *Dummy) Subscribe(address string) (<-chan *types.BusMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if messages, ok := d.subscriptions[address]; ok {
		close(messages)
	}
	messages := make(chan *types.BusMessage, BufferSize)
	d.subscriptions[address] = messages
	d.ctx.WithField("Address", address).Debug("Subscribed")
	return messages, nil
}

// Unsubscribe implements backend.Bus
func (d *Dummy) Unsubscribe(address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if messages, ok := d.subscriptions[address]; ok {
		close(messages)
		delete(d.subscriptions, address)
	}
	d.ctx.WithField("Address", address).Debug("Unsubscribed")
	return nil
}

// Subscribed returns true if there is a subscription on the address
func (d *Dummy) Subscribed(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscriptions[address]
	return ok
}
