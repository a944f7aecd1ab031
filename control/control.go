// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package control exposes the operations of the bridge on the event bus.
//
// A request is a bus message to the control address. Its "action" header
// selects the operation, its body carries the arguments and its reply address
// receives the result or the failure.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

// Headers of control messages
const (
	ActionHeader    = "action"
	RequestIDHeader = "request-id"
)

// Actions
const (
	EstablishIncomingLink = "establishIncomingLink"
	EstablishOutgoingLink = "establishOutgoingLink"
	CancelIncomingLink    = "cancelIncomingLink"
	CancelOutgoingLink    = "cancelOutgoingLink"
	Fetch                 = "fetch"
	Accept                = "accept"
	Reject                = "reject"
	Release               = "release"
	IssueCredits          = "issueCredits"
	RegisterService       = "registerService"
	UnregisterService     = "unregisterService"
	AddInboundRoute       = "addInboundRoute"
	RemoveInboundRoute    = "removeInboundRoute"
	AddOutboundRoute      = "addOutboundRoute"
	RemoveOutboundRoute   = "removeOutboundRoute"
	Start                 = "start"
	Stop                  = "stop"
)

// ErrUnknownAction is returned for requests with an action that does not exist
var ErrUnknownAction = errors.New("control: unknown action")

// Service is the bridge as it is controlled over the bus
type Service interface {
	EstablishIncomingLink(amqpAddress, busAddress, notificationAddress string, opts types.IncomingLinkOptions) (string, error)
	EstablishOutgoingLink(amqpAddress, busAddress, notificationAddress string, opts types.OutgoingLinkOptions) (string, error)
	CancelIncomingLink(ref string) error
	CancelOutgoingLink(ref string) error
	Fetch(ref string, count int) error
	IssueCredits(ref string, credits int) error
	Accept(msgRef string) error
	Reject(msgRef string) error
	Release(msgRef string) error
	RegisterService(busAddress, notificationAddress string, opts types.ServiceOptions) error
	UnregisterService(busAddress string) error
	AddInboundRoute(pattern, busAddress string) error
	RemoveInboundRoute(pattern, busAddress string)
	AddOutboundRoute(pattern, amqpAddress string) error
	RemoveOutboundRoute(pattern, amqpAddress string)
	Start() error
	Stop()
}

// Request is the body of a control request
type Request struct {
	AMQPAddress         string          `json:"amqp-address,omitempty"`
	BusAddress          string          `json:"bus-address,omitempty"`
	NotificationAddress string          `json:"notification-address,omitempty"`
	Options             json.RawMessage `json:"options,omitempty"`
	LinkRef             string          `json:"link-ref,omitempty"`
	MessageRef          string          `json:"msg-ref,omitempty"`
	Count               int             `json:"count,omitempty"`
	Credits             int             `json:"credits,omitempty"`
	Pattern             string          `json:"pattern,omitempty"`
}

func (r *Request) options(v interface{}) error {
	if len(r.Options) == 0 {
		return nil
	}
	return json.Unmarshal(r.Options, v)
}

func (r *Request) body() (map[string]interface{}, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	body := make(map[string]interface{})
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeRequest(body map[string]interface{}) (*Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Transient returns true if the error may not occur when the request is retried
func Transient(err error) bool {
	return errors.Is(err, link.ErrCreditExhausted)
}

// Server handles control requests on the bus
type Server struct {
	ctx     log.Interface
	bus     backend.Bus
	address string
	service Service

	mu   sync.Mutex
	done chan struct{}
}

// NewServer returns a Server that handles the requests to the address
func NewServer(ctx log.Interface, bus backend.Bus, address string, service Service) *Server {
	return &Server{
		ctx:     ctx.WithField("ControlAddress", address),
		bus:     bus,
		address: address,
		service: service,
	}
}

// Start handling requests
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil
	}
	requests, err := s.bus.Subscribe(s.address)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	s.done = done
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-requests:
				if !ok {
					return
				}
				s.handle(msg)
			}
		}
	}()
	s.ctx.Info("Handling control requests")
	return nil
}

// Stop handling requests
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	close(s.done)
	s.done = nil
	return s.bus.Unsubscribe(s.address)
}

func (s *Server) handle(msg *types.BusMessage) {
	action := msg.Header(ActionHeader)
	ctx := s.ctx.WithField("Action", action)
	result, err := s.dispatch(action, msg.Body)
	if err != nil {
		ctx.WithError(err).Warn("Request failed")
	} else {
		ctx.Debug("Handled request")
	}
	if msg.ReplyTo == "" {
		return
	}
	var reply *types.BusMessage
	if err != nil {
		reply = types.FailureMessage(msg.ReplyTo, err, Transient(err))
	} else {
		reply = types.ResultMessage(msg.ReplyTo, result)
	}
	if id := msg.Header(RequestIDHeader); id != "" {
		reply.SetHeader(RequestIDHeader, id)
	}
	if err := s.bus.Publish(reply); err != nil {
		ctx.WithError(err).Warn("Could not publish reply")
	}
}

// dispatch a request to the service
func (s *Server) dispatch(action string, body map[string]interface{}) (interface{}, error) {
	req, err := decodeRequest(body)
	if err != nil {
		return nil, err
	}
	switch action {
	case EstablishIncomingLink:
		var opts types.IncomingLinkOptions
		if err := req.options(&opts); err != nil {
			return nil, err
		}
		return s.service.EstablishIncomingLink(req.AMQPAddress, req.BusAddress, req.NotificationAddress, opts)
	case EstablishOutgoingLink:
		var opts types.OutgoingLinkOptions
		if err := req.options(&opts); err != nil {
			return nil, err
		}
		return s.service.EstablishOutgoingLink(req.AMQPAddress, req.BusAddress, req.NotificationAddress, opts)
	case CancelIncomingLink:
		return nil, s.service.CancelIncomingLink(req.LinkRef)
	case CancelOutgoingLink:
		return nil, s.service.CancelOutgoingLink(req.LinkRef)
	case Fetch:
		return nil, s.service.Fetch(req.LinkRef, req.Count)
	case IssueCredits:
		return nil, s.service.IssueCredits(req.LinkRef, req.Credits)
	case Accept:
		return nil, s.service.Accept(req.MessageRef)
	case Reject:
		return nil, s.service.Reject(req.MessageRef)
	case Release:
		return nil, s.service.Release(req.MessageRef)
	case RegisterService:
		var opts types.ServiceOptions
		if err := req.options(&opts); err != nil {
			return nil, err
		}
		return nil, s.service.RegisterService(req.BusAddress, req.NotificationAddress, opts)
	case UnregisterService:
		return nil, s.service.UnregisterService(req.BusAddress)
	case AddInboundRoute:
		return nil, s.service.AddInboundRoute(req.Pattern, req.BusAddress)
	case RemoveInboundRoute:
		s.service.RemoveInboundRoute(req.Pattern, req.BusAddress)
		return nil, nil
	case AddOutboundRoute:
		return nil, s.service.AddOutboundRoute(req.Pattern, req.AMQPAddress)
	case RemoveOutboundRoute:
		s.service.RemoveOutboundRoute(req.Pattern, req.AMQPAddress)
		return nil, nil
	case Start:
		return nil, s.service.Start()
	case Stop:
		s.service.Stop()
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}
