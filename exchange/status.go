// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/TheThingsNetwork/amqp-bridge/link"
)

// Status of the Exchange
type Status struct {
	Started        bool `json:"started"`
	Connections    int  `json:"connections"`
	InboundLinks   int  `json:"inbound-links"`
	OutboundLinks  int  `json:"outbound-links"`
	Services       int  `json:"services"`
	Unsettled      int  `json:"unsettled"`
	PendingReplies int  `json:"pending-replies"`
}

// Status returns the status of the Exchange
func (e *Exchange) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := Status{
		Started:        e.started,
		Connections:    len(e.connections),
		Services:       len(e.services),
		Unsettled:      len(e.deliveries),
		PendingReplies: len(e.replies),
	}
	for _, b := range e.bindings {
		if !b.opened {
			continue
		}
		if b.direction == link.Inbound {
			status.InboundLinks++
		} else {
			status.OutboundLinks++
		}
	}
	return status
}
