// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package router decides where messages go: bus addresses to AMQP addresses
// (outbound) and AMQP addresses to bus addresses (inbound).
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Config for the Router
type Config struct {
	OutboundRoutingPropertyType types.RoutingPropertyType
	OutboundRoutingPropertyName string
	InboundRoutingPropertyType  types.RoutingPropertyType
	InboundRoutingPropertyName  string

	// DefaultInboundAddress receives inbound messages that match no route
	DefaultInboundAddress string
}

type tables struct {
	outbound *Table
	inbound  *Table
}

// Router holds the outbound and inbound route tables. Lookups read a
// snapshot and never block on writers.
type Router struct {
	config Config

	mu     sync.Mutex
	tables atomic.Pointer[tables]
}

// New returns a new Router with empty tables
func New(config Config) *Router {
	r := &Router{config: config}
	r.tables.Store(&tables{outbound: &Table{}, inbound: &Table{}})
	return r
}

// Config returns the router configuration
func (r *Router) Config() Config {
	return r.config
}

func (r *Router) update(f func(t tables) (tables, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated, err := f(*r.tables.Load())
	if err != nil {
		return err
	}
	r.tables.Store(&updated)
	return nil
}

// AddOutboundRoute adds an AMQP address to the pattern
func (r *Router) AddOutboundRoute(pattern, amqpAddress string) error {
	return r.update(func(t tables) (tables, error) {
		outbound, err := t.outbound.Add(pattern, amqpAddress)
		t.outbound = outbound
		return t, err
	})
}

// RemoveOutboundRoute removes an AMQP address from the pattern
func (r *Router) RemoveOutboundRoute(pattern, amqpAddress string) {
	r.update(func(t tables) (tables, error) {
		t.outbound = t.outbound.Remove(pattern, amqpAddress)
		return t, nil
	})
}

// AddInboundRoute adds a bus address to the pattern
func (r *Router) AddInboundRoute(pattern, busAddress string) error {
	return r.update(func(t tables) (tables, error) {
		inbound, err := t.inbound.Add(pattern, busAddress)
		t.inbound = inbound
		return t, err
	})
}

// RemoveInboundRoute removes a bus address from the pattern
func (r *Router) RemoveInboundRoute(pattern, busAddress string) {
	r.update(func(t tables) (tables, error) {
		t.inbound = t.inbound.Remove(pattern, busAddress)
		return t, nil
	})
}

// OutboundRoutes returns a copy of the outbound table
func (r *Router) OutboundRoutes() map[string][]string {
	return r.tables.Load().outbound.Routes()
}

// InboundRoutes returns a copy of the inbound table
func (r *Router) InboundRoutes() map[string][]string {
	return r.tables.Load().inbound.Routes()
}

// RouteOutbound returns the AMQP addresses for the routing key
func (r *Router) RouteOutbound(key string) []string {
	return r.tables.Load().outbound.Match(key)
}

// RouteInbound returns the bus addresses for the routing key. Without any
// inbound routes, the key itself is the address.
func (r *Router) RouteInbound(key string) []string {
	inbound := r.tables.Load().inbound
	if inbound.Len() == 0 {
		return []string{key}
	}
	if destinations := inbound.Match(key); len(destinations) > 0 {
		return destinations
	}
	if r.config.DefaultInboundAddress != "" {
		return []string{r.config.DefaultInboundAddress}
	}
	return nil
}

func lookup(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

func section(body map[string]interface{}, name string) map[string]interface{} {
	if s, ok := body[name].(map[string]interface{}); ok {
		return s
	}
	return nil
}

// ExtractOutboundRoutingKey returns the key that is used to route a bus message to AMQP
func (r *Router) ExtractOutboundRoutingKey(msg *types.BusMessage) string {
	if r.config.OutboundRoutingPropertyType == types.CustomProperty && r.config.OutboundRoutingPropertyName != "" {
		name := r.config.OutboundRoutingPropertyName
		if key, ok := lookup(msg.Body, name); ok {
			return key
		}
		if key, ok := lookup(section(msg.Body, types.PropertiesField), name); ok {
			return key
		}
		if key, ok := lookup(section(msg.Body, types.ApplicationPropertiesField), name); ok {
			return key
		}
	} else if key, ok := lookup(msg.Body, types.RoutingKeyField); ok {
		return key
	}
	return msg.Address
}

// ExtractInboundRoutingKey returns the key that is used to route an AMQP
// message, received on a link with the given address, to the bus
func (r *Router) ExtractInboundRoutingKey(linkAddress string, body map[string]interface{}) string {
	switch r.config.InboundRoutingPropertyType {
	case types.SubjectRoutingProperty:
		if key, ok := lookup(section(body, types.PropertiesField), types.SubjectProperty); ok {
			return key
		}
	case types.CustomProperty:
		if key, ok := lookup(section(body, types.ApplicationPropertiesField), r.config.InboundRoutingPropertyName); ok {
			return key
		}
	}
	return linkAddress
}
