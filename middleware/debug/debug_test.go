// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package debug

import (
	"bytes"
	"testing"

	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDebug(t *testing.T) {
	Convey("Given a new Debug middleware", t, func(c C) {
		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		d := New(ctx)

		Convey("When handling an inbound message", func() {
			err := d.HandleInbound(middleware.NewContext(), &types.InboundMessage{
				LinkRef:     "link-1",
				AMQPAddress: "queue",
				Message: &types.BusMessage{Address: "orders", Body: map[string]interface{}{
					types.PropertiesField: map[string]interface{}{types.MessageIDProperty: "m1"},
				}},
			})
			Convey("It should log the message", func() {
				So(err, ShouldBeNil)
				So(logs.String(), ShouldContainSubstring, "Inbound message")
				So(logs.String(), ShouldContainSubstring, "m1")
				So(logs.String(), ShouldContainSubstring, "link-1")
			})
		})

		Convey("When handling an outbound message", func() {
			err := d.HandleOutbound(middleware.NewContext(), &types.OutboundMessage{
				AMQPAddress: "amqp://localhost/queue",
				Message:     &types.BusMessage{Address: "orders"},
			})
			Convey("It should log the message", func() {
				So(err, ShouldBeNil)
				So(logs.String(), ShouldContainSubstring, "Outbound message")
			})
		})
	})
}
