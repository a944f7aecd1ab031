// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func pop(c *engine.Collector) *engine.Event {
	e := c.Peek()
	c.Pop()
	return e
}

func TestMemory(t *testing.T) {
	Convey("Given a memory connection", t, func(c C) {
		conn, peer := Pipe()
		var _ engine.Connection = conn
		collector := conn.Collector()

		Convey("Opening should post the remote open", func() {
			So(conn.Open(), ShouldBeNil)
			So(peer.Open(), ShouldBeTrue)
			So(pop(collector).Type, ShouldEqual, engine.ConnectionRemoteOpen)
		})

		Convey("When attaching a sender", func() {
			session, err := conn.BeginSession()
			So(err, ShouldBeNil)
			So(pop(collector).Type, ShouldEqual, engine.SessionRemoteOpen)
			h, err := conn.AttachSender(session, "queue", false)
			So(err, ShouldBeNil)
			e := pop(collector)
			So(e.Type, ShouldEqual, engine.LinkRemoteOpen)
			So(e.Link, ShouldEqual, h)
			l := peer.Link("queue", engine.Sender)
			So(l, ShouldNotBeNil)

			msg := amqp.NewMessage([]byte("hello"))
			payload, _ := msg.MarshalBinary()

			Convey("Sending without credit should fail", func() {
				So(conn.Send(h, []byte{1}, payload, false), ShouldEqual, ErrNoCredit)
			})

			Convey("Sending with credit should record the transfer", func() {
				peer.Flow(l, 1)
				e := pop(collector)
				So(e.Type, ShouldEqual, engine.LinkFlow)
				So(e.Credit, ShouldEqual, 1)
				So(conn.Send(h, []byte{1}, payload, false), ShouldBeNil)
				So(l.Transfers(), ShouldHaveLength, 1)
				So(string(l.Transfers()[0].Message.GetData()), ShouldEqual, "hello")
				So(l.Credit(), ShouldEqual, 0)
			})

			Convey("Detaching should post the final event once", func() {
				So(conn.Detach(h), ShouldBeNil)
				So(conn.Detach(h), ShouldBeNil)
				So(pop(collector).Type, ShouldEqual, engine.LinkFinal)
				So(collector.Peek(), ShouldBeNil)
			})
		})

		Convey("When the peer attaches a link", func() {
			l := peer.AttachLink(1, engine.Receiver, "in")
			e := pop(collector)
			So(e.Type, ShouldEqual, engine.LinkRemoteOpen)
			So(e.Role, ShouldEqual, engine.Receiver)

			Convey("Delivering without credit should fail", func() {
				_, err := peer.Deliver(l, amqp.NewMessage(nil), false)
				So(err, ShouldEqual, ErrNoCredit)
			})

			Convey("Delivering with credit should post the delivery", func() {
				So(conn.Flow(l.Handle, 2), ShouldBeNil)
				tag, err := peer.Deliver(l, amqp.NewMessage([]byte("x")), false)
				So(err, ShouldBeNil)
				e := pop(collector)
				So(e.Type, ShouldEqual, engine.Delivery)
				So(e.Delivery.Tag, ShouldResemble, tag)
				So(l.Issued(), ShouldEqual, 2)
				So(l.Credit(), ShouldEqual, 1)

				Convey("Settling should be recorded", func() {
					So(conn.Disposition(l.Handle, tag, types.Accepted), ShouldBeNil)
					So(l.Dispositions(), ShouldHaveLength, 1)
					So(l.Dispositions()[0].State, ShouldEqual, types.Accepted)
				})
			})
		})

		Convey("Closing should post the final event", func() {
			So(conn.Close(), ShouldBeNil)
			So(peer.Closed(), ShouldBeTrue)
			So(pop(collector).Type, ShouldEqual, engine.ConnectionFinal)
			_, err := conn.BeginSession()
			So(err, ShouldEqual, ErrClosed)
		})
	})

	Convey("Given a Network", t, func(c C) {
		network := NewNetwork()
		go func() {
			time.Sleep(10 * time.Millisecond)
			network.Dial(context.Background(), &types.ConnectionSettings{Host: "localhost", Port: 5672})
		}()
		So(network.WaitPeer("localhost:5672", time.Second), ShouldNotBeNil)
		So(network.Peer("localhost:5673"), ShouldBeNil)
	})
}
