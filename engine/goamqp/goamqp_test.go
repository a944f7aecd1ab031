// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package goamqp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestOutcome(t *testing.T) {
	Convey("When mapping send results", t, func() {
		Convey("A send without error should be accepted", func() {
			So(outcome(nil), ShouldEqual, types.Accepted)
		})
		Convey("A rejection with an error condition should be rejected", func() {
			err := &amqp.Error{Condition: amqp.ErrCondInternalError, Description: "no"}
			So(outcome(err), ShouldEqual, types.Rejected)
			So(outcome(fmt.Errorf("send: %w", err)), ShouldEqual, types.Rejected)
		})
		Convey("A rejection without an error condition should be rejected", func() {
			So(outcome(errors.New(rejectedWithoutError)), ShouldEqual, types.Rejected)
		})
		Convey("A failed link should release the message", func() {
			So(outcome(&amqp.LinkError{}), ShouldEqual, types.Released)
		})
		Convey("A link detached with an error should release the message", func() {
			So(outcome(&amqp.LinkError{RemoteErr: &amqp.Error{Condition: amqp.ErrCondDetachForced}}), ShouldEqual, types.Released)
		})
		Convey("A closed session should release the message", func() {
			So(outcome(&amqp.SessionError{}), ShouldEqual, types.Released)
		})
		Convey("A failed connection should release the message", func() {
			So(outcome(&amqp.ConnError{}), ShouldEqual, types.Released)
		})
		Convey("A cancelled send should release the message", func() {
			So(outcome(context.Canceled), ShouldEqual, types.Released)
		})
	})
}
