// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt uses an MQTT broker as the event bus of the bridge.
//
// Every bus address is an MQTT topic, optionally prefixed with the configured
// topic prefix. Messages are published as JSON encoded types.BusMessage
// (`{"address":"orders","reply-to":"replies","headers":{...},"body":{...}}`).
//
// Retained messages are ignored, and subscriptions are restored when the
// client reconnects to the broker.
package mqtt
