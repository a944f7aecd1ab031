// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package status keeps message rates of the bridge and serves them over HTTP
// together with the Prometheus metrics.
package status

import (
	"runtime"
	"time"

	"github.com/rcrowley/go-metrics"
)

var global = newStatus()

type status struct {
	started time.Time

	inbound     metrics.Meter
	outbound    metrics.Meter
	connections metrics.Counter
}

func newStatus() *status {
	return &status{
		started:     time.Now(),
		inbound:     metrics.NewMeter(),
		outbound:    metrics.NewMeter(),
		connections: metrics.NewCounter(),
	}
}

// Inbound registers a message that was published to the bus
func Inbound() {
	global.inbound.Mark(1)
}

// Outbound registers a message that was sent to AMQP
func Outbound() {
	global.outbound.Mark(1)
}

// ConnectionOpened registers an AMQP connection
func ConnectionOpened() {
	global.connections.Inc(1)
}

// ConnectionClosed registers a closed AMQP connection
func ConnectionClosed() {
	global.connections.Dec(1)
}

// Rates of messages per second over the last 1, 5 and 15 minutes
type Rates struct {
	Count  int64   `json:"count"`
	Rate1  float64 `json:"rate-1"`
	Rate5  float64 `json:"rate-5"`
	Rate15 float64 `json:"rate-15"`
}

func rates(m metrics.Meter) Rates {
	snapshot := m.Snapshot()
	return Rates{
		Count:  snapshot.Count(),
		Rate1:  snapshot.Rate1(),
		Rate5:  snapshot.Rate5(),
		Rate15: snapshot.Rate15(),
	}
}

// Response is the status of the bridge
type Response struct {
	Uptime      string      `json:"uptime"`
	Goroutines  int         `json:"goroutines"`
	Connections int64       `json:"connections"`
	Inbound     Rates       `json:"inbound"`
	Outbound    Rates       `json:"outbound"`
	Bridge      interface{} `json:"bridge,omitempty"`
}

func (s *status) get() *Response {
	return &Response{
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Goroutines:  runtime.NumGoroutine(),
		Connections: s.connections.Count(),
		Inbound:     rates(s.inbound),
		Outbound:    rates(s.outbound),
	}
}
