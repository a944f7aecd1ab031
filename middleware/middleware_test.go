// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"errors"
	"testing"

	"github.com/TheThingsNetwork/amqp-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

type something struct{}

func TestContext(t *testing.T) {
	some := new(something)

	Convey("Given a new Context", t, func(c C) {
		ctx := NewContext()
		Convey("When setting some items in the Context", func() {
			ctx.Set(1, 2)
			ctx.Set("str", "hi")
			ctx.Set(some, some)
			Convey("Then getting those items from the Context should return the items", func() {
				So(ctx.Get(1), ShouldEqual, 2)
				So(ctx.Get("str"), ShouldEqual, "hi")
				So(ctx.Get(some), ShouldEqual, some)
			})
		})
		Convey("Getting an item that is not in the context, returns nil", func() {
			So(ctx.Get("other"), ShouldBeNil)
		})
	})
}

type testMiddleware struct {
	err error

	inbound    int
	outbound   int
	linkClosed int
}

func (c *testMiddleware) HandleInbound(ctx Context, msg *types.InboundMessage) error {
	c.inbound++
	return c.err
}
func (c *testMiddleware) HandleOutbound(ctx Context, msg *types.OutboundMessage) error {
	c.outbound++
	return c.err
}
func (c *testMiddleware) HandleLinkClosed(ctx Context, msg *types.LinkClosedMessage) error {
	c.linkClosed++
	return c.err
}

type inboundOnly struct{ calls int }

func (c *inboundOnly) HandleInbound(ctx Context, msg *types.InboundMessage) error {
	c.calls++
	return nil
}

func TestMiddleware(t *testing.T) {
	Convey("Given a new Middleware Chain", t, func(c C) {
		m := new(testMiddleware)
		i := new(inboundOnly)
		chain := Chain{m, i}

		Convey("When executing it on an InboundMessage", func() {
			err := chain.Execute(NewContext(), &types.InboundMessage{})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The middleware should have been called", func() {
				So(m.inbound, ShouldEqual, 1)
				So(i.calls, ShouldEqual, 1)
			})
		})

		Convey("When executing it on an OutboundMessage", func() {
			err := chain.Execute(NewContext(), &types.OutboundMessage{})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("Only the outbound middleware should have been called", func() {
				So(m.outbound, ShouldEqual, 1)
				So(i.calls, ShouldEqual, 0)
			})
		})

		Convey("When executing it on a LinkClosedMessage", func() {
			err := chain.Execute(NewContext(), &types.LinkClosedMessage{})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The middleware should have been called", func() {
				So(m.linkClosed, ShouldEqual, 1)
			})
		})

		Convey("When the middleware would return an error", func() {
			m.err = errors.New("some error")

			Convey("When executing it on an InboundMessage", func() {
				err := chain.Execute(NewContext(), &types.InboundMessage{})
				Convey("There should be an error in the chain", func() {
					So(err, ShouldNotBeNil)
				})
				Convey("The rest of the chain should not have been called", func() {
					So(i.calls, ShouldEqual, 0)
				})
			})

			Convey("When executing it on an OutboundMessage", func() {
				err := chain.Execute(NewContext(), &types.OutboundMessage{})
				Convey("There should be an error in the chain", func() {
					So(err, ShouldNotBeNil)
				})
			})
		})

		Convey("When executing it on any other type", func() {
			err := chain.Execute(NewContext(), "hello")
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("The middleware should not have been called", func() {
				So(m.inbound, ShouldEqual, 0)
				So(m.outbound, ShouldEqual, 0)
				So(m.linkClosed, ShouldEqual, 0)
			})
		})
	})
}
