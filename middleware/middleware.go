// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package middleware runs a chain of handlers on the messages that pass the
// bridge. A handler that returns an error drops the message.
package middleware

import (
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware
type Chain []interface{}

// Execute the chain
func (c Chain) Execute(ctx Context, msg interface{}) error {
	switch msg := msg.(type) {
	case *types.InboundMessage:
		return c.filterInbound().Execute(ctx, msg)
	case *types.OutboundMessage:
		return c.filterOutbound().Execute(ctx, msg)
	case *types.LinkClosedMessage:
		return c.filterLinkClosed().Execute(ctx, msg)
	}
	return nil
}

// Inbound middleware handles messages from AMQP to the bus
type Inbound interface {
	HandleInbound(Context, *types.InboundMessage) error
}

type inboundChain []Inbound

func (c inboundChain) Execute(ctx Context, msg *types.InboundMessage) error {
	for _, middleware := range c {
		err := middleware.HandleInbound(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterInbound() (filtered inboundChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Inbound); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Outbound middleware handles messages from the bus to AMQP
type Outbound interface {
	HandleOutbound(Context, *types.OutboundMessage) error
}

type outboundChain []Outbound

func (c outboundChain) Execute(ctx Context, msg *types.OutboundMessage) error {
	for _, middleware := range c {
		err := middleware.HandleOutbound(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterOutbound() (filtered outboundChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Outbound); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// LinkClosed middleware is notified of closed links
type LinkClosed interface {
	HandleLinkClosed(Context, *types.LinkClosedMessage) error
}

type linkClosedChain []LinkClosed

func (c linkClosedChain) Execute(ctx Context, msg *types.LinkClosedMessage) error {
	for _, middleware := range c {
		err := middleware.HandleLinkClosed(ctx, msg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterLinkClosed() (filtered linkClosedChain) {
	for _, middleware := range c {
		if c, ok := middleware.(LinkClosed); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
