// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package inject

import (
	"testing"

	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInject(t *testing.T) {
	Convey("Given a new Inject", t, func(c C) {
		i := NewInject(Fields{
			ApplicationProperties: map[string]string{"bridge": "amqp-bridge", "region": "eu"},
			Headers:               map[string]string{"origin": "amqp"},
		})

		Convey("When sending an outbound message without application properties", func() {
			msg := &types.OutboundMessage{Message: &types.BusMessage{Address: "orders"}}
			err := i.HandleOutbound(middleware.NewContext(), msg)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The application properties should have been injected", func() {
				props := msg.Message.Body[types.ApplicationPropertiesField].(map[string]interface{})
				So(props["bridge"], ShouldEqual, "amqp-bridge")
				So(props["region"], ShouldEqual, "eu")
			})
		})

		Convey("When sending an outbound message that has a property", func() {
			msg := &types.OutboundMessage{Message: &types.BusMessage{Address: "orders", Body: map[string]interface{}{
				types.ApplicationPropertiesField: map[string]interface{}{"region": "us"},
			}}}
			i.HandleOutbound(middleware.NewContext(), msg)
			Convey("The property should not have been overwritten", func() {
				props := msg.Message.Body[types.ApplicationPropertiesField].(map[string]interface{})
				So(props["region"], ShouldEqual, "us")
				So(props["bridge"], ShouldEqual, "amqp-bridge")
			})
		})

		Convey("When sending an inbound message", func() {
			msg := &types.InboundMessage{Message: &types.BusMessage{Address: "orders"}}
			i.HandleInbound(middleware.NewContext(), msg)
			Convey("The headers should have been injected", func() {
				So(msg.Message.Header("origin"), ShouldEqual, "amqp")
			})
		})
	})
}
