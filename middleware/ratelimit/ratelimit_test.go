// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"fmt"
	"os"
	"testing"

	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

func inbound(address string) *types.InboundMessage {
	return &types.InboundMessage{Message: &types.BusMessage{Address: address}}
}

func outbound(address string) *types.OutboundMessage {
	return &types.OutboundMessage{BusAddress: address, Message: &types.BusMessage{Address: address}}
}

func testLimits(i *RateLimit, address string) {
	Convey("When sending an inbound message", func() {
		err := i.HandleInbound(middleware.NewContext(), inbound(address))
		Convey("There should be no error", func() {
			So(err, ShouldBeNil)
		})
		Convey("When sending another inbound message", func() {
			err := i.HandleInbound(middleware.NewContext(), inbound(address))
			Convey("There should be an error", func() {
				So(err, ShouldEqual, ErrRateLimited)
			})
		})
		Convey("When sending an inbound message to another address", func() {
			err := i.HandleInbound(middleware.NewContext(), inbound(address+"-other"))
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
		})
	})

	Convey("When sending outbound messages", func() {
		for n := 0; n < 2; n++ {
			So(i.HandleOutbound(middleware.NewContext(), outbound(address)), ShouldBeNil)
		}
		Convey("The third one should be limited", func() {
			So(i.HandleOutbound(middleware.NewContext(), outbound(address)), ShouldEqual, ErrRateLimited)
		})
	})
}

func TestRateLimit(t *testing.T) {
	Convey("Given a new RateLimit", t, func(c C) {
		i := NewRateLimit(Limits{
			Inbound:  1,
			Outbound: 2,
		})
		testLimits(i, "orders")
	})

	Convey("Given a RateLimit without limits", t, func(c C) {
		i := NewRateLimit(Limits{})
		Convey("Messages should never be limited", func() {
			for n := 0; n < 10; n++ {
				So(i.HandleInbound(middleware.NewContext(), inbound("orders")), ShouldBeNil)
			}
		})
	})
}

func TestRedisRateLimit(t *testing.T) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:6379", host),
		DB:   1,
	})
	defer client.Close()

	Convey("Given a new RateLimit with Redis", t, func(c C) {
		i := NewRedisRateLimit(client, Limits{
			Inbound:  1,
			Outbound: 2,
		})
		testLimits(i, "orders-"+uuid.NewString())
	})
}
