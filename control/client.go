// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/google/uuid"
)

// DefaultTimeout is the time a Client waits for a reply
var DefaultTimeout = 10 * time.Second

// ErrTimeout is returned by the Client when no reply was received in time
var ErrTimeout = errors.New("control: no reply")

// Failure is a failure that the bridge replied with
type Failure struct {
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

func (f *Failure) Error() string {
	return f.Message
}

// Client sends control requests over the bus
type Client struct {
	bus          backend.Bus
	address      string
	replyAddress string
	replies      <-chan *types.BusMessage

	// Timeout for replies
	Timeout time.Duration

	mu sync.Mutex
}

// NewClient returns a Client that sends requests to the control address. It
// subscribes to a reply address of its own.
func NewClient(bus backend.Bus, address string) (*Client, error) {
	replyAddress := fmt.Sprintf("%s.reply.%s", address, uuid.New().String())
	replies, err := bus.Subscribe(replyAddress)
	if err != nil {
		return nil, err
	}
	return &Client{
		bus:          bus,
		address:      address,
		replyAddress: replyAddress,
		replies:      replies,
		Timeout:      DefaultTimeout,
	}, nil
}

// Close the Client
func (c *Client) Close() error {
	return c.bus.Unsubscribe(c.replyAddress)
}

func (c *Client) call(action string, req *Request) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := req.body()
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	msg := &types.BusMessage{
		Address: c.address,
		ReplyTo: c.replyAddress,
		Body:    body,
	}
	msg.SetHeader(ActionHeader, action)
	msg.SetHeader(RequestIDHeader, id)
	if err := c.bus.Publish(msg); err != nil {
		return nil, err
	}

	timeout := time.After(c.Timeout)
	for {
		select {
		case reply, ok := <-c.replies:
			if !ok {
				return nil, ErrTimeout
			}
			if reply.Header(RequestIDHeader) != id {
				continue
			}
			return parseReply(reply)
		case <-timeout:
			return nil, ErrTimeout
		}
	}
}

func parseReply(reply *types.BusMessage) (interface{}, error) {
	if failure, ok := reply.Body[types.FailureField]; ok {
		data, err := json.Marshal(failure)
		if err != nil {
			return nil, err
		}
		var f Failure
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return nil, &f
	}
	return reply.Body[types.ResultField], nil
}

func (c *Client) ack(action string, req *Request) error {
	_, err := c.call(action, req)
	return err
}

func (c *Client) establish(action string, req *Request, opts interface{}) (string, error) {
	options, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	req.Options = options
	result, err := c.call(action, req)
	if err != nil {
		return "", err
	}
	ref, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("control: unexpected result %v", result)
	}
	return ref, nil
}

// EstablishIncomingLink requests an incoming link and returns its ref
func (c *Client) EstablishIncomingLink(amqpAddress, busAddress, notificationAddress string, opts types.IncomingLinkOptions) (string, error) {
	return c.establish(EstablishIncomingLink, &Request{
		AMQPAddress:         amqpAddress,
		BusAddress:          busAddress,
		NotificationAddress: notificationAddress,
	}, opts)
}

// EstablishOutgoingLink requests an outgoing link and returns its ref
func (c *Client) EstablishOutgoingLink(amqpAddress, busAddress, notificationAddress string, opts types.OutgoingLinkOptions) (string, error) {
	return c.establish(EstablishOutgoingLink, &Request{
		AMQPAddress:         amqpAddress,
		BusAddress:          busAddress,
		NotificationAddress: notificationAddress,
	}, opts)
}

// CancelIncomingLink cancels an incoming link
func (c *Client) CancelIncomingLink(ref string) error {
	return c.ack(CancelIncomingLink, &Request{LinkRef: ref})
}

// CancelOutgoingLink cancels an outgoing link
func (c *Client) CancelOutgoingLink(ref string) error {
	return c.ack(CancelOutgoingLink, &Request{LinkRef: ref})
}

// Fetch requests count messages on an incoming link
func (c *Client) Fetch(ref string, count int) error {
	return c.ack(Fetch, &Request{LinkRef: ref, Count: count})
}

// IssueCredits issues credit on an incoming or service link
func (c *Client) IssueCredits(ref string, credits int) error {
	return c.ack(IssueCredits, &Request{LinkRef: ref, Credits: credits})
}

// Accept a message
func (c *Client) Accept(msgRef string) error {
	return c.ack(Accept, &Request{MessageRef: msgRef})
}

// Reject a message
func (c *Client) Reject(msgRef string) error {
	return c.ack(Reject, &Request{MessageRef: msgRef})
}

// Release a message
func (c *Client) Release(msgRef string) error {
	return c.ack(Release, &Request{MessageRef: msgRef})
}

// RegisterService registers a service at the bus address
func (c *Client) RegisterService(busAddress, notificationAddress string, opts types.ServiceOptions) error {
	options, err := json.Marshal(opts)
	if err != nil {
		return err
	}
	return c.ack(RegisterService, &Request{
		BusAddress:          busAddress,
		NotificationAddress: notificationAddress,
		Options:             options,
	})
}

// UnregisterService removes the service at the bus address
func (c *Client) UnregisterService(busAddress string) error {
	return c.ack(UnregisterService, &Request{BusAddress: busAddress})
}

// AddInboundRoute adds an inbound route
func (c *Client) AddInboundRoute(pattern, busAddress string) error {
	return c.ack(AddInboundRoute, &Request{Pattern: pattern, BusAddress: busAddress})
}

// RemoveInboundRoute removes an inbound route
func (c *Client) RemoveInboundRoute(pattern, busAddress string) error {
	return c.ack(RemoveInboundRoute, &Request{Pattern: pattern, BusAddress: busAddress})
}

// AddOutboundRoute adds an outbound route
func (c *Client) AddOutboundRoute(pattern, amqpAddress string) error {
	return c.ack(AddOutboundRoute, &Request{Pattern: pattern, AMQPAddress: amqpAddress})
}

// RemoveOutboundRoute removes an outbound route
func (c *Client) RemoveOutboundRoute(pattern, amqpAddress string) error {
	return c.ack(RemoveOutboundRoute, &Request{Pattern: pattern, AMQPAddress: amqpAddress})
}

// Start the bridge
func (c *Client) Start() error {
	return c.ack(Start, &Request{})
}

// Stop the bridge
func (c *Client) Stop() error {
	return c.ack(Stop, &Request{})
}
