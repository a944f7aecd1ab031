// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
)

var connectionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "amqp",
		Subsystem: "bridge",
		Name:      "connections",
		Help:      "Number of AMQP connections.",
	},
)

var linksGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "amqp",
		Subsystem: "bridge",
		Name:      "links",
		Help:      "Number of attached AMQP links.",
	}, []string{"direction"},
)

var routedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "amqp",
		Subsystem: "bridge",
		Name:      "messages_routed_total",
		Help:      "Total number of messages routed.",
	}, []string{"direction"},
)

var settledCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "amqp",
		Subsystem: "bridge",
		Name:      "deliveries_settled_total",
		Help:      "Total number of settled deliveries.",
	}, []string{"state"},
)

var droppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "amqp",
		Subsystem: "bridge",
		Name:      "messages_dropped_total",
		Help:      "Total number of messages dropped.",
	}, []string{"reason"},
)

func init() {
	prometheus.MustRegister(connectionsGauge)
	prometheus.MustRegister(linksGauge)
	prometheus.MustRegister(routedCounter)
	prometheus.MustRegister(settledCounter)
	prometheus.MustRegister(droppedCounter)
}
