// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package control

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/backend/dummy"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type call struct {
	action string
	args   []interface{}
}

type testService struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (s *testService) record(action string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{action, args})
	return s.err
}

func (s *testService) last() call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return call{}
	}
	return s.calls[len(s.calls)-1]
}

func (s *testService) EstablishIncomingLink(amqpAddress, busAddress, notificationAddress string, opts types.IncomingLinkOptions) (string, error) {
	return "in-ref", s.record(EstablishIncomingLink, amqpAddress, busAddress, notificationAddress, opts)
}

func (s *testService) EstablishOutgoingLink(amqpAddress, busAddress, notificationAddress string, opts types.OutgoingLinkOptions) (string, error) {
	return "out-ref", s.record(EstablishOutgoingLink, amqpAddress, busAddress, notificationAddress, opts)
}

func (s *testService) CancelIncomingLink(ref string) error { return s.record(CancelIncomingLink, ref) }

func (s *testService) CancelOutgoingLink(ref string) error { return s.record(CancelOutgoingLink, ref) }

func (s *testService) Fetch(ref string, count int) error { return s.record(Fetch, ref, count) }

func (s *testService) IssueCredits(ref string, credits int) error {
	return s.record(IssueCredits, ref, credits)
}

func (s *testService) Accept(msgRef string) error { return s.record(Accept, msgRef) }

func (s *testService) Reject(msgRef string) error { return s.record(Reject, msgRef) }

func (s *testService) Release(msgRef string) error { return s.record(Release, msgRef) }

func (s *testService) RegisterService(busAddress, notificationAddress string, opts types.ServiceOptions) error {
	return s.record(RegisterService, busAddress, notificationAddress, opts)
}

func (s *testService) UnregisterService(busAddress string) error {
	return s.record(UnregisterService, busAddress)
}

func (s *testService) AddInboundRoute(pattern, busAddress string) error {
	return s.record(AddInboundRoute, pattern, busAddress)
}

func (s *testService) RemoveInboundRoute(pattern, busAddress string) {
	s.record(RemoveInboundRoute, pattern, busAddress)
}

func (s *testService) AddOutboundRoute(pattern, amqpAddress string) error {
	return s.record(AddOutboundRoute, pattern, amqpAddress)
}

func (s *testService) RemoveOutboundRoute(pattern, amqpAddress string) {
	s.record(RemoveOutboundRoute, pattern, amqpAddress)
}

func (s *testService) Start() error { return s.record(Start) }

func (s *testService) Stop() { s.record(Stop) }

func TestControl(t *testing.T) {
	Convey("Given a new Context, bus and Service", t, func(c C) {

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

		bus := dummy.New(ctx)
		service := &testService{}

		Convey("When starting a Server and creating a Client", func() {
			server := NewServer(ctx, bus, "amqp-bridge", service)
			So(server.Start(), ShouldBeNil)
			client, err := NewClient(bus, "amqp-bridge")
			So(err, ShouldBeNil)
			client.Timeout = time.Second
			Reset(func() {
				client.Close()
				server.Stop()
			})

			Convey("Establishing an incoming link should return the ref", func() {
				ref, err := client.EstablishIncomingLink("amqp://host/queue", "in", "notes", types.IncomingLinkOptions{
					Reliability: types.AtLeastOnce,
					Prefetch:    5,
				})
				So(err, ShouldBeNil)
				So(ref, ShouldEqual, "in-ref")
				last := service.last()
				So(last.action, ShouldEqual, EstablishIncomingLink)
				So(last.args[0], ShouldEqual, "amqp://host/queue")
				So(last.args[1], ShouldEqual, "in")
				So(last.args[2], ShouldEqual, "notes")
				So(last.args[3], ShouldResemble, types.IncomingLinkOptions{Reliability: types.AtLeastOnce, Prefetch: 5})
			})

			Convey("Establishing an outgoing link should return the ref", func() {
				ref, err := client.EstablishOutgoingLink("amqp://host/topic", "out", "notes", types.OutgoingLinkOptions{
					Reliability: types.AtLeastOnce,
					Recovery:    &types.RecoveryOptions{MaxRetries: 3},
				})
				So(err, ShouldBeNil)
				So(ref, ShouldEqual, "out-ref")
				opts := service.last().args[3].(types.OutgoingLinkOptions)
				So(opts.Reliability, ShouldEqual, types.AtLeastOnce)
				So(opts.Recovery.MaxRetries, ShouldEqual, 3)
			})

			Convey("Link operations should be dispatched", func() {
				So(client.Fetch("ref", 3), ShouldBeNil)
				So(service.last(), ShouldResemble, call{Fetch, []interface{}{"ref", 3}})
				So(client.IssueCredits("ref", 4), ShouldBeNil)
				So(service.last(), ShouldResemble, call{IssueCredits, []interface{}{"ref", 4}})
				So(client.CancelIncomingLink("ref"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{CancelIncomingLink, []interface{}{"ref"}})
				So(client.CancelOutgoingLink("ref"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{CancelOutgoingLink, []interface{}{"ref"}})
			})

			Convey("Settlements should be dispatched", func() {
				So(client.Accept("m1"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{Accept, []interface{}{"m1"}})
				So(client.Reject("m2"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{Reject, []interface{}{"m2"}})
				So(client.Release("m3"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{Release, []interface{}{"m3"}})
			})

			Convey("Service registration should be dispatched", func() {
				So(client.RegisterService("svc", "notes", types.ServiceOptions{InitialCapacity: 2}), ShouldBeNil)
				So(service.last(), ShouldResemble, call{RegisterService, []interface{}{"svc", "notes", types.ServiceOptions{InitialCapacity: 2}}})
				So(client.UnregisterService("svc"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{UnregisterService, []interface{}{"svc"}})
			})

			Convey("Route operations should be dispatched", func() {
				So(client.AddInboundRoute("a.*", "bus-a"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{AddInboundRoute, []interface{}{"a.*", "bus-a"}})
				So(client.RemoveInboundRoute("a.*", "bus-a"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{RemoveInboundRoute, []interface{}{"a.*", "bus-a"}})
				So(client.AddOutboundRoute("b.*", "amqp://host/b"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{AddOutboundRoute, []interface{}{"b.*", "amqp://host/b"}})
				So(client.RemoveOutboundRoute("b.*", "amqp://host/b"), ShouldBeNil)
				So(service.last(), ShouldResemble, call{RemoveOutboundRoute, []interface{}{"b.*", "amqp://host/b"}})
			})

			Convey("Start and stop should be dispatched", func() {
				So(client.Stop(), ShouldBeNil)
				So(service.last().action, ShouldEqual, Stop)
				So(client.Start(), ShouldBeNil)
				So(service.last().action, ShouldEqual, Start)
			})

			Convey("An unknown action should fail", func() {
				_, err := client.call("explode", &Request{})
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, ErrUnknownAction.Error())
				So(err.(*Failure).Transient, ShouldBeFalse)
			})

			Convey("When the service fails", func() {
				service.err = errors.New("link: no such thing")

				Convey("The failure should be returned", func() {
					err := client.Accept("m1")
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldEqual, "link: no such thing")
				})
			})

			Convey("When the service runs out of credit", func() {
				service.err = link.ErrCreditExhausted

				Convey("The failure should be transient", func() {
					err := client.Fetch("ref", 1)
					So(err, ShouldNotBeNil)
					So(err.(*Failure).Transient, ShouldBeTrue)
				})
			})

			Convey("When the server is stopped", func() {
				So(server.Stop(), ShouldBeNil)
				client.Timeout = 50 * time.Millisecond

				Convey("Requests should time out", func() {
					So(client.Accept("m1"), ShouldEqual, ErrTimeout)
				})
			})
		})

		Convey("Requests without reply address should still be handled", func() {
			server := NewServer(ctx, bus, "amqp-bridge", service)
			So(server.Start(), ShouldBeNil)
			Reset(func() { server.Stop() })
			msg := &types.BusMessage{Address: "amqp-bridge", Body: map[string]interface{}{"msg-ref": "m9"}}
			msg.SetHeader(ActionHeader, Release)
			bus.Publish(msg)
			deadline := time.Now().Add(time.Second)
			for service.last().action == "" && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			So(service.last(), ShouldResemble, call{Release, []interface{}{"m9"}})
		})
	})
}
