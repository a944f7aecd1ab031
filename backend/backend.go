// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package backend defines the event bus the bridge talks to.
package backend

import (
	"encoding/json"

	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Bus is a publish/subscribe event bus with string addresses
type Bus interface {
	Connect() error
	Disconnect() error
	Publish(message *types.BusMessage) error
	Subscribe(address string) (<-chan *types.BusMessage, error)
	Unsubscribe(address string) error
}

// Marshal encodes a bus message for the wire
func Marshal(message *types.BusMessage) ([]byte, error) {
	return json.Marshal(message)
}

// Unmarshal decodes a bus message received on the given address
func Unmarshal(address string, payload []byte) (*types.BusMessage, error) {
	var message types.BusMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, err
	}
	if message.Address == "" {
		message.Address = address
	}
	return &message, nil
}
