// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"bytes"
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDummy(t *testing.T) {
	Convey("Given a new Context", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		Convey("When creating a new Dummy", func() {
			dummy := New(ctx)

			Convey("When calling Connect on Dummy", func() {
				err := dummy.Connect()
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})

				Convey("Publishing without subscribers should not fail", func() {
					So(dummy.Publish(&types.BusMessage{Address: "nobody"}), ShouldBeNil)
				})

				Convey("When subscribing to an address", func() {
					messages, err := dummy.Subscribe("orders")
					Convey("There should be no error", func() {
						So(err, ShouldBeNil)
						So(dummy.Subscribed("orders"), ShouldBeTrue)
					})

					Convey("When publishing a message", func() {
						dummy.Publish(&types.BusMessage{
							Address: "orders",
							Body:    map[string]interface{}{"body": "hello", "count": 1},
						})
						Convey("There should be a corresponding message in the channel", func() {
							select {
							case <-time.After(time.Second):
								So("Timeout Exceeded", ShouldBeFalse)
							case msg := <-messages:
								So(msg.Address, ShouldEqual, "orders")
								So(msg.Body["body"], ShouldEqual, "hello")
								So(msg.Body["count"], ShouldEqual, 1.0)
							}
						})
					})

					Convey("When publishing more messages than fit in the buffer", func() {
						for i := 0; i < BufferSize+1; i++ {
							dummy.Publish(&types.BusMessage{Address: "orders"})
						}
						Convey("The extra message should be dropped", func() {
							So(len(messages), ShouldEqual, BufferSize)
							So(logs.String(), ShouldContainSubstring, "buffer full")
						})
					})

					Convey("When unsubscribing", func() {
						err := dummy.Unsubscribe("orders")
						Convey("There should be no error", func() {
							So(err, ShouldBeNil)
						})
						Convey("The channel should be closed", func() {
							_, ok := <-messages
							So(ok, ShouldBeFalse)
							So(dummy.Subscribed("orders"), ShouldBeFalse)
						})
					})

					Convey("When disconnecting", func() {
						dummy.Disconnect()
						Convey("The channel should be closed", func() {
							_, ok := <-messages
							So(ok, ShouldBeFalse)
						})
					})
				})
			})
		})
	})
}
