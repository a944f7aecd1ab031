// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

// DefaultPrefetch is the credit window of AUTO links that do not configure one
const DefaultPrefetch = 1

// IncomingLinkOptions are used when establishing an incoming (AMQP to bus) link
type IncomingLinkOptions struct {
	Reliability ReliabilityMode `json:"reliability,omitempty"`
	// Prefetch is the credit window. Zero means credit is only issued on fetch.
	Prefetch int `json:"prefetch"`
}

// CreditMode returns the credit mode that matches the prefetch
func (o IncomingLinkOptions) CreditMode() CreditMode {
	if o.Prefetch > 0 {
		return AutoCredit
	}
	return ExplicitCredit
}

// GetReliability returns the reliability, defaulting to Unreliable
func (o IncomingLinkOptions) GetReliability() ReliabilityMode {
	if o.Reliability == "" {
		return Unreliable
	}
	return o.Reliability
}

// RecoveryOptions for outgoing links
type RecoveryOptions struct {
	MaxRetries    int `json:"max-retries,omitempty"`
	RetryInterval int `json:"retry-interval,omitempty"`
}

// OutgoingLinkOptions are used when establishing an outgoing (bus to AMQP) link
type OutgoingLinkOptions struct {
	Reliability ReliabilityMode  `json:"reliability,omitempty"`
	Recovery    *RecoveryOptions `json:"recovery-options,omitempty"`
}

// GetReliability returns the reliability, defaulting to Unreliable
func (o OutgoingLinkOptions) GetReliability() ReliabilityMode {
	if o.Reliability == "" {
		return Unreliable
	}
	return o.Reliability
}

// ServiceOptions are used when registering a service
type ServiceOptions struct {
	// InitialCapacity is the number of requests a new client may send before the service issues credit
	InitialCapacity int             `json:"initial-capacity"`
	Reliability     ReliabilityMode `json:"reliability,omitempty"`
}

// GetReliability returns the reliability, defaulting to AtLeastOnce
func (o ServiceOptions) GetReliability() ReliabilityMode {
	if o.Reliability == "" {
		return AtLeastOnce
	}
	return o.Reliability
}
