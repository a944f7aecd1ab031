// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package engine

import (
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestCollector(t *testing.T) {
	Convey("Given a new Collector", t, func(c C) {
		collector := NewCollector()

		Convey("It should be empty", func() {
			So(collector.Peek(), ShouldBeNil)
			So(collector.Len(), ShouldEqual, 0)
			collector.Pop()
		})

		Convey("When posting events", func() {
			collector.Post(&Event{Type: ConnectionRemoteOpen})
			collector.Post(&Event{Type: SessionRemoteOpen})

			Convey("Ready should be signalled", func() {
				select {
				case <-collector.Ready():
				case <-time.After(time.Second):
					So("Timeout Exceeded", ShouldBeFalse)
				}
			})

			Convey("They should come out in order", func() {
				So(collector.Peek().Type, ShouldEqual, ConnectionRemoteOpen)
				collector.Pop()
				So(collector.Peek().Type, ShouldEqual, SessionRemoteOpen)
				collector.Pop()
				So(collector.Peek(), ShouldBeNil)
			})
		})

		Convey("When posting from many goroutines", func() {
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 100; j++ {
						collector.Post(&Event{Type: LinkFlow})
					}
				}()
			}
			wg.Wait()
			So(collector.Len(), ShouldEqual, 1000)
		})
	})

	Convey("Event types should have names", t, func(c C) {
		So(Delivery.String(), ShouldEqual, "DELIVERY")
		So(EventType(99).String(), ShouldEqual, "EventType(99)")
		So(Sender.String(), ShouldEqual, "sender")
	})
}
