// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blacklist

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

const exampleBlacklist = `
- amqp-address: amqp://malicious.example.com:5672/queue
- bus-address: internal.secrets
`

func TestBlacklist(t *testing.T) {
	dir := t.TempDir()
	exampleFile := filepath.Join(dir, "blacklist.yml")
	if err := os.WriteFile(exampleFile, []byte(exampleBlacklist), 0644); err != nil {
		t.Fatal(err)
	}

	testExample := func(list string) {
		b, err := NewBlacklist(list)
		Convey("Then there should be no error", func() { So(err, ShouldBeNil) })
		Reset(func() { b.Close() })
		Convey("Then the blacklist should contain 2 items", func() {
			So(b.lists[list], ShouldHaveLength, 2)
		})
		Convey("When a message comes from a blacklisted AMQP address", func() {
			err := b.HandleInbound(middleware.NewContext(), &types.InboundMessage{
				AMQPAddress: "amqp://malicious.example.com:5672/queue",
				Message:     &types.BusMessage{Address: "orders"},
			})
			Convey("Then the BlacklistedAMQPAddress error should be returned", func() {
				So(err, ShouldEqual, ErrBlacklistedAMQPAddress)
			})
		})
		Convey("When a message comes from a blacklisted bus address", func() {
			err := b.HandleOutbound(middleware.NewContext(), &types.OutboundMessage{
				BusAddress:  "internal.secrets",
				AMQPAddress: "amqp://example.com:5672/queue",
				Message:     &types.BusMessage{Address: "internal.secrets"},
			})
			Convey("Then the BlacklistedBusAddress error should be returned", func() {
				So(err, ShouldEqual, ErrBlacklistedBusAddress)
			})
		})
		Convey("When a message uses other addresses", func() {
			err := b.HandleOutbound(middleware.NewContext(), &types.OutboundMessage{
				BusAddress:  "orders",
				AMQPAddress: "amqp://example.com:5672/queue",
				Message:     &types.BusMessage{Address: "orders"},
			})
			Convey("Then there should be no error", func() { So(err, ShouldBeNil) })
		})
	}

	Convey("When creating a new Blacklist using the example file", t, func(c C) {
		testExample(exampleFile)

		Convey("When the file changes", func() {
			b, err := NewBlacklist(exampleFile)
			So(err, ShouldBeNil)
			defer b.Close()
			err = os.WriteFile(exampleFile, []byte("- bus-address: orders\n"), 0644)
			So(err, ShouldBeNil)
			Reset(func() { os.WriteFile(exampleFile, []byte(exampleBlacklist), 0644) })

			Convey("Then the new list should be used", func() {
				deadline := time.Now().Add(2 * time.Second)
				for time.Now().Before(deadline) && b.check("", "orders") == nil {
					time.Sleep(10 * time.Millisecond)
				}
				So(b.check("", "orders"), ShouldEqual, ErrBlacklistedBusAddress)
			})
		})
	})

	Convey("When creating a new Blacklist using the example file on an HTTP server", t, func(c C) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(exampleBlacklist))
		}))
		Reset(func() { server.Close() })
		testExample(server.URL + "/blacklist.yml")
	})

	Convey("When creating a new Blacklist with an unknown list type", t, func(c C) {
		_, err := NewBlacklist("ftp://example.com/blacklist.yml")
		Convey("Then there should be an error", func() { So(err, ShouldNotBeNil) })
	})
}
