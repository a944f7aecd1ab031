// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"fmt"
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	redis "gopkg.in/redis.v5"
)

func TestAuth(t *testing.T) {
	Convey("Given a new auth.Memory", t, func() {
		a := NewMemory()
		Convey("When running the standardized test", standardizedTest(a))
	})
}

func TestRedisAuth(t *testing.T) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		t.Skip("REDIS_HOST not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:6379", host),
		DB:   1,
	})
	defer client.Close()

	Convey("Given a new auth.Redis", t, func() {
		a := NewRedis(client, "test-auth:")
		Convey("When running the standardized test", standardizedTest(a))
	})
}

func TestParseCredentials(t *testing.T) {
	Convey("When parsing credentials", t, func() {
		Convey("A username and password should be split", func() {
			username, password, err := ParseCredentials("guest:p:ss")
			So(err, ShouldBeNil)
			So(username, ShouldEqual, "guest")
			So(password, ShouldEqual, "p:ss")
		})
		Convey("A username without password should be allowed", func() {
			username, password, err := ParseCredentials("guest")
			So(err, ShouldBeNil)
			So(username, ShouldEqual, "guest")
			So(password, ShouldBeEmpty)
		})
		Convey("A missing username should fail", func() {
			_, _, err := ParseCredentials(":secret")
			So(err, ShouldEqual, ErrInvalidCredentials)
		})
	})
}

func standardizedTest(a Interface) func() {
	return func() {
		Convey("When getting the credentials for an unknown host", func() {
			_, _, err := a.GetCredentials("unknown:5672")
			Convey("There should be a NotFound error", func() {
				So(err, ShouldEqual, ErrHostNotFound)
			})
		})

		Convey("When setting credentials without username", func() {
			err := a.SetCredentials("broker:5672", "", "secret")
			Convey("There should be an error", func() {
				So(err, ShouldEqual, ErrInvalidCredentials)
			})
		})

		Convey("When setting credentials", func() {
			err := a.SetCredentials("broker:5672", "guest", "secret")
			Reset(func() {
				a.Delete("broker:5672")
			})
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("When getting the credentials", func() {
				username, password, err := a.GetCredentials("broker:5672")
				Convey("They should be the ones we set", func() {
					So(err, ShouldBeNil)
					So(username, ShouldEqual, "guest")
					So(password, ShouldEqual, "secret")
				})
			})
			Convey("When updating the credentials", func() {
				So(a.SetCredentials("broker:5672", "admin", "other"), ShouldBeNil)
				username, password, err := a.GetCredentials("broker:5672")
				Convey("The new credentials should be returned", func() {
					So(err, ShouldBeNil)
					So(username, ShouldEqual, "admin")
					So(password, ShouldEqual, "other")
				})
			})
			Convey("When deleting the host", func() {
				So(a.Delete("broker:5672"), ShouldBeNil)
				_, _, err := a.GetCredentials("broker:5672")
				Convey("There should be a NotFound error", func() {
					So(err, ShouldEqual, ErrHostNotFound)
				})
			})
		})
	}
}
