// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"bytes"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMQTT(t *testing.T) {
	host := os.Getenv("MQTT_ADDRESS")
	if host == "" {
		t.Skip("MQTT_ADDRESS not set")
	}

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

		Convey("When calling New", func() {
			mqtt, err := New(Config{
				Brokers:     []string{fmt.Sprintf("tcp://%s", host)},
				TopicPrefix: "amqp-bridge-test/",
			}, ctx)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
				So(mqtt, ShouldNotBeNil)
			})

			Convey("When calling Connect on MQTT", func() {
				err := mqtt.Connect()
				So(err, ShouldBeNil)
				Reset(func() { mqtt.Disconnect() })

				Convey("When subscribing to an address", func() {
					messages, err := mqtt.Subscribe("orders")
					So(err, ShouldBeNil)

					Convey("When publishing a message", func() {
						err := mqtt.Publish(&types.BusMessage{
							Address: "orders",
							ReplyTo: "replies",
							Body:    map[string]interface{}{"body": "hello"},
						})
						So(err, ShouldBeNil)

						Convey("There should be a corresponding message in the channel", func() {
							select {
							case <-time.After(time.Second):
								So("Timeout Exceeded", ShouldBeFalse)
							case msg := <-messages:
								So(msg.Address, ShouldEqual, "orders")
								So(msg.ReplyTo, ShouldEqual, "replies")
								So(msg.Body["body"], ShouldEqual, "hello")
							}
						})
					})

					Convey("When unsubscribing", func() {
						err := mqtt.Unsubscribe("orders")
						So(err, ShouldBeNil)
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
