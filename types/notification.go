// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

// NotificationType is the type of a Notification
type NotificationType string

// Notification types
const (
	DeliveryStateNotification NotificationType = "DELIVERY_STATE"
	LinkCreditNotification    NotificationType = "LINK_CREDIT"
	LinkOpenedNotification    NotificationType = "LINK_OPENED"
	LinkClosedNotification    NotificationType = "LINK_CLOSED"
	LinkErrorNotification     NotificationType = "LINK_ERROR"
)

// Fields of notification bodies
const (
	NotificationTypeField = "notification-type"
	LinkRefField          = "link-ref"
	MessageRefField       = "msg-ref"
	DeliveryStateField    = "delivery-state"
	MessageStateField     = "msg-state"
	CreditsField          = "credits"
	AddressField          = "address"
	ErrorField            = "error"
)

// Notification is published to the notification address of a link
type Notification struct {
	Type          NotificationType
	LinkRef       string
	MessageRef    string
	DeliveryState string
	MessageState  MessageState
	Credits       uint32
	Address       string
	Error         error
}

// Delivery states in DELIVERY_STATE notifications
const (
	DeliverySettled   = "SETTLED"
	DeliveryUnsettled = "UNSETTLED"
)

// ToBusMessage converts the notification to a message to the given bus address
func (n *Notification) ToBusMessage(address string) *BusMessage {
	body := map[string]interface{}{
		NotificationTypeField: string(n.Type),
	}
	if n.LinkRef != "" {
		body[LinkRefField] = n.LinkRef
	}
	if n.MessageRef != "" {
		body[MessageRefField] = n.MessageRef
	}
	switch n.Type {
	case DeliveryStateNotification:
		body[DeliveryStateField] = n.DeliveryState
		body[MessageStateField] = string(n.MessageState)
	case LinkCreditNotification:
		body[CreditsField] = n.Credits
	}
	if n.Address != "" {
		body[AddressField] = n.Address
	}
	if n.Error != nil {
		body[ErrorField] = n.Error.Error()
	}
	return &BusMessage{Address: address, Body: body}
}
