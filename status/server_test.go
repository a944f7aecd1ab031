// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

func TestStatusServer(t *testing.T) {
	Convey("Given an empty global status and a new Server", t, func(c C) {

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

		global = newStatus()

		s := NewServer(ctx, func() interface{} {
			return map[string]int{"services": 2}
		})
		srv := httptest.NewServer(s.Handler())
		Reset(srv.Close)

		get := func(path, key string) *http.Response {
			req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
			So(err, ShouldBeNil)
			if key != "" {
				req.Header.Set("Authorization", "Bearer "+key)
			}
			res, err := http.DefaultClient.Do(req)
			So(err, ShouldBeNil)
			return res
		}

		Convey("When registering traffic", func() {
			Inbound()
			Inbound()
			Outbound()
			ConnectionOpened()
			ConnectionOpened()
			ConnectionClosed()

			Convey("The status should contain the counts", func() {
				res := get("/status", "")
				defer res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				var response Response
				So(json.NewDecoder(res.Body).Decode(&response), ShouldBeNil)
				So(response.Inbound.Count, ShouldEqual, 2)
				So(response.Outbound.Count, ShouldEqual, 1)
				So(response.Connections, ShouldEqual, 1)
				So(response.Goroutines, ShouldBeGreaterThan, 0)
				So(response.Bridge, ShouldResemble, map[string]interface{}{"services": float64(2)})
			})
		})

		Convey("When requesting the metrics", func() {
			res := get("/metrics", "")
			defer res.Body.Close()
			body, err := io.ReadAll(res.Body)
			So(err, ShouldBeNil)

			Convey("The Prometheus metrics should be served", func() {
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(string(body), ShouldContainSubstring, "go_goroutines")
			})
		})

		Convey("When adding an access key", func() {
			s.AddAccessKey("secret")

			Convey("Requests without the key should be denied", func() {
				res := get("/status", "")
				res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusUnauthorized)
			})

			Convey("Requests with another key should be denied", func() {
				res := get("/status", "other")
				res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusUnauthorized)
			})

			Convey("Requests with the key should be allowed", func() {
				res := get("/status", "secret")
				res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusOK)
			})

			Convey("Metrics should stay public", func() {
				res := get("/metrics", "")
				res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When starting the Server on a free port", func() {
			So(s.Start("127.0.0.1:0"), ShouldBeNil)
			Reset(func() { s.Stop(context.Background()) })

			Convey("It should serve the status", func() {
				res, err := http.Get(fmt.Sprintf("http://%s/status", s.Addr()))
				So(err, ShouldBeNil)
				defer res.Body.Close()
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(res.Header.Get("Content-Type"), ShouldStartWith, "application/json")
			})

			Convey("It should stop", func() {
				So(s.Stop(context.Background()), ShouldBeNil)
				So(s.Addr(), ShouldBeNil)
				So(s.Stop(context.Background()), ShouldBeNil)
			})
		})
	})
}
