// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseBroker(t *testing.T) {
	Convey("When parsing brokers", t, func() {
		Convey("Credentials should be optional", func() {
			b, err := parseBroker("localhost:1883")
			So(err, ShouldBeNil)
			So(b.Address, ShouldEqual, "localhost:1883")
			So(b.Username, ShouldBeEmpty)
		})
		Convey("Username and password should be parsed", func() {
			b, err := parseBroker("guest:s3cret!@broker.local:5672")
			So(err, ShouldBeNil)
			So(b.Username, ShouldEqual, "guest")
			So(b.Password, ShouldEqual, "s3cret!")
			So(b.Address, ShouldEqual, "broker.local:5672")
		})
		Convey("A missing port should fail", func() {
			_, err := parseBroker("guest@localhost")
			So(err, ShouldNotBeNil)
		})
	})
}

func TestParseFields(t *testing.T) {
	Convey("When parsing fields", t, func() {
		Convey("No pairs should return nil", func() {
			fields, err := parseFields(nil)
			So(err, ShouldBeNil)
			So(fields, ShouldBeNil)
		})
		Convey("Values may contain the separator", func() {
			fields, err := parseFields([]string{"broker:5672=guest:a=b", "origin=bridge"})
			So(err, ShouldBeNil)
			So(fields, ShouldResemble, map[string]string{
				"broker:5672": "guest:a=b",
				"origin":      "bridge",
			})
		})
		Convey("A pair without value should fail", func() {
			_, err := parseFields([]string{"origin"})
			So(err, ShouldNotBeNil)
		})
	})
}
