// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

// BusMessage is a message on the event bus
type BusMessage struct {
	Address string                 `json:"address"`
	ReplyTo string                 `json:"reply-to,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
	Body    map[string]interface{} `json:"body,omitempty"`
}

// Header returns the value of a header, or an empty string
func (m *BusMessage) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header
func (m *BusMessage) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Fields in the body of bus messages that carry AMQP messages
const (
	BodyField                  = "body"
	PropertiesField            = "properties"
	ApplicationPropertiesField = "application-properties"
	MessageAnnotationsField    = "message-annotations"
	HeaderField                = "header"

	RoutingKeyField         = "bridge.routing-key"
	OutgoingMessageRefField = "bridge.outgoing-msg-ref"
	IncomingMessageRefField = "bridge.incoming-msg-ref"
	IncomingLinkRefField    = "bridge.incoming-link-ref"
)

// Fields in the "properties" section
const (
	MessageIDProperty     = "message-id"
	CorrelationIDProperty = "correlation-id"
	SubjectProperty       = "subject"
	ReplyToProperty       = "reply-to"
	ToProperty            = "to"
	ContentTypeProperty   = "content-type"
	GroupIDProperty       = "group-id"
)

// Fields in the "header" section
const (
	DurableHeader  = "durable"
	PriorityHeader = "priority"
	TTLHeader      = "ttl"
)

// ReliabilityMode of a link
type ReliabilityMode string

// Reliability modes
const (
	Unreliable  ReliabilityMode = "UNRELIABLE"
	AtLeastOnce ReliabilityMode = "AT_LEAST_ONCE"
)

// CreditMode of an inbound link
type CreditMode string

// Credit modes
const (
	// AutoCredit replenishes credit as messages are settled
	AutoCredit CreditMode = "AUTO"
	// ExplicitCredit only issues credit when asked to
	ExplicitCredit CreditMode = "EXPLICIT"
)

// MessageState is the outcome of a delivery
type MessageState string

// Message states
const (
	Accepted MessageState = "ACCEPTED"
	Rejected MessageState = "REJECTED"
	Released MessageState = "RELEASED"
	Unknown  MessageState = "UNKNOWN"
)

// Valid returns whether the state is one of the known states
func (s MessageState) Valid() bool {
	switch s {
	case Accepted, Rejected, Released, Unknown:
		return true
	}
	return false
}

// RoutingPropertyType determines where the routing key of a message is taken from
type RoutingPropertyType string

// Routing property types
const (
	// AddressProperty uses the address of the message (or link)
	AddressProperty RoutingPropertyType = "ADDRESS"
	// SubjectRoutingProperty uses the subject property of the AMQP message
	SubjectRoutingProperty RoutingPropertyType = "SUBJECT"
	// CustomProperty uses a named (application) property
	CustomProperty RoutingPropertyType = "CUSTOM"
)
