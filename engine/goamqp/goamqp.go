// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package goamqp is an engine on top of github.com/Azure/go-amqp.
//
// go-amqp hides the flow state of sending links: a send blocks until the peer
// settles it. The engine therefore reports a fixed window of credit per
// sending link, which is used as sends are queued and given back as they
// complete. Sends on a link are done in order by one goroutine per link.
package goamqp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
)

// Config for the engine
type Config struct {
	// Window is the number of queued sends per sending link
	Window uint32
	// Timeout of attaches, dispositions and detaches
	Timeout time.Duration
	// TLSConfig is used for amqps:// addresses
	TLSConfig   *tls.Config
	ContainerID string
}

// DefaultConfig is used for zero fields in the Config
var DefaultConfig = Config{
	Window:  10,
	Timeout: 10 * time.Second,
}

// Errors returned by the engine
var (
	ErrUnknownHandle = errors.New("goamqp: unknown handle")
	ErrNotAttached   = errors.New("goamqp: link not attached")
	ErrWindowFull    = errors.New("goamqp: send window full")
	ErrNotSupported  = errors.New("goamqp: not supported")
)

// Dialer dials AMQP 1.0 connections
type Dialer struct {
	ctx    log.Interface
	config Config
}

// NewDialer returns a new Dialer
func NewDialer(ctx log.Interface, config Config) *Dialer {
	if config.Window == 0 {
		config.Window = DefaultConfig.Window
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig.Timeout
	}
	return &Dialer{ctx: ctx.WithField("Engine", "go-amqp"), config: config}
}

// Dial implements engine.Dialer
func (d *Dialer) Dial(ctx context.Context, settings *types.ConnectionSettings) (engine.Connection, error) {
	opts := &amqp.ConnOptions{
		ContainerID: d.config.ContainerID,
		HostName:    settings.Host,
	}
	if settings.User != "" {
		opts.SASLType = amqp.SASLTypePlain(settings.User, settings.Password)
	} else {
		opts.SASLType = amqp.SASLTypeAnonymous()
	}
	if settings.Scheme == "amqps" {
		opts.TLSConfig = d.config.TLSConfig
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{ServerName: settings.Host}
		}
	}
	conn, err := amqp.Dial(ctx, settings.URL(), opts)
	if err != nil {
		return nil, err
	}
	return newConn(d.ctx.WithField("Connection", settings.HostPort()), conn, d.config), nil
}

type transfer struct {
	tag     []byte
	msg     *amqp.Message
	settled bool
}

type sender struct {
	handle  engine.Handle
	session engine.Handle
	address string
	link    *amqp.Sender
	queue   chan *transfer
	// available is the remaining window
	available uint32
}

type receiver struct {
	handle    engine.Handle
	session   engine.Handle
	address   string
	link      *amqp.Receiver
	pending   uint32
	unsettled map[string]*amqp.Message
}

// Conn is an engine connection
type Conn struct {
	log       log.Interface
	config    Config
	conn      *amqp.Conn
	collector *engine.Collector
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	next       engine.Handle
	deliveries uint64
	sessions   map[engine.Handle]*amqp.Session
	senders    map[engine.Handle]*sender
	receivers  map[engine.Handle]*receiver
	closed     bool
}

func newConn(log log.Interface, conn *amqp.Conn, config Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		log:       log,
		config:    config,
		conn:      conn,
		collector: engine.NewCollector(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[engine.Handle]*amqp.Session),
		senders:   make(map[engine.Handle]*sender),
		receivers: make(map[engine.Handle]*receiver),
	}
}

func (c *Conn) handle() engine.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next
}

func (c *Conn) timeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, c.config.Timeout)
}

func (c *Conn) post(event *engine.Event) {
	c.collector.Post(event)
}

// Collector implements engine.Connection
func (c *Conn) Collector() *engine.Collector { return c.collector }

// Open implements engine.Connection. The connection is open once dialed.
func (c *Conn) Open() error {
	c.post(&engine.Event{Type: engine.ConnectionRemoteOpen})
	return nil
}

// BeginSession implements engine.Connection
func (c *Conn) BeginSession() (engine.Handle, error) {
	ctx, cancel := c.timeout()
	defer cancel()
	session, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return 0, err
	}
	h := c.handle()
	c.mu.Lock()
	c.sessions[h] = session
	c.mu.Unlock()
	c.post(&engine.Event{Type: engine.SessionRemoteOpen, Session: h})
	return h, nil
}

// OpenSession implements engine.Connection. Peers can not begin sessions on
// client connections.
func (c *Conn) OpenSession(engine.Handle) error {
	return ErrNotSupported
}

// OpenLink implements engine.Connection. Peers can not attach links on
// client connections.
func (c *Conn) OpenLink(engine.Handle) error {
	return ErrNotSupported
}

func (c *Conn) session(h engine.Handle) (*amqp.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.sessions[h]; ok {
		return session, nil
	}
	return nil, ErrUnknownHandle
}

// AttachSender implements engine.Connection
func (c *Conn) AttachSender(h engine.Handle, address string, _ bool) (engine.Handle, error) {
	session, err := c.session(h)
	if err != nil {
		return 0, err
	}
	s := &sender{
		handle:    c.handle(),
		session:   h,
		address:   address,
		queue:     make(chan *transfer, c.config.Window),
		available: c.config.Window,
	}
	c.mu.Lock()
	c.senders[s.handle] = s
	c.mu.Unlock()
	go func() {
		ctx, cancel := c.timeout()
		defer cancel()
		l, err := session.NewSender(ctx, address, &amqp.SenderOptions{
			SettlementMode: amqp.SenderSettleModeMixed.Ptr(),
		})
		if err != nil {
			c.log.WithField("Address", address).WithError(err).Warn("Could not attach sender")
			c.linkFinal(s.handle, s.session, engine.Sender, address, err)
			return
		}
		c.mu.Lock()
		s.link = l
		c.mu.Unlock()
		c.post(&engine.Event{Type: engine.LinkRemoteOpen, Session: s.session, Link: s.handle, Role: engine.Sender, Address: address})
		c.post(&engine.Event{Type: engine.LinkFlow, Session: s.session, Link: s.handle, Role: engine.Sender, Address: address, Credit: c.config.Window})
		c.sendLoop(s)
	}()
	return s.handle, nil
}

// AttachReceiver implements engine.Connection
func (c *Conn) AttachReceiver(h engine.Handle, address string) (engine.Handle, error) {
	session, err := c.session(h)
	if err != nil {
		return 0, err
	}
	r := &receiver{
		handle:    c.handle(),
		session:   h,
		address:   address,
		unsettled: make(map[string]*amqp.Message),
	}
	c.mu.Lock()
	c.receivers[r.handle] = r
	c.mu.Unlock()
	go func() {
		ctx, cancel := c.timeout()
		defer cancel()
		l, err := session.NewReceiver(ctx, address, &amqp.ReceiverOptions{
			Credit:         -1,
			SettlementMode: amqp.ReceiverSettleModeFirst.Ptr(),
		})
		if err != nil {
			c.log.WithField("Address", address).WithError(err).Warn("Could not attach receiver")
			c.linkFinal(r.handle, r.session, engine.Receiver, address, err)
			return
		}
		c.mu.Lock()
		r.link = l
		pending := r.pending
		r.pending = 0
		c.mu.Unlock()
		if pending > 0 {
			if err := l.IssueCredit(pending); err != nil {
				c.log.WithField("Address", address).WithError(err).Warn("Could not issue credit")
			}
		}
		c.post(&engine.Event{Type: engine.LinkRemoteOpen, Session: r.session, Link: r.handle, Role: engine.Receiver, Address: address})
		c.receiveLoop(r)
	}()
	return r.handle, nil
}

// Flow implements engine.Connection
func (c *Conn) Flow(h engine.Handle, credit uint32) error {
	c.mu.Lock()
	r, ok := c.receivers[h]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownHandle
	}
	if r.link == nil {
		r.pending += credit
		c.mu.Unlock()
		return nil
	}
	l := r.link
	c.mu.Unlock()
	return l.IssueCredit(credit)
}

// Send implements engine.Connection
func (c *Conn) Send(h engine.Handle, tag []byte, payload []byte, settled bool) error {
	msg := new(amqp.Message)
	if err := msg.UnmarshalBinary(payload); err != nil {
		return err
	}
	msg.DeliveryTag = tag
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.senders[h]
	if !ok {
		return ErrUnknownHandle
	}
	if s.link == nil {
		return ErrNotAttached
	}
	if s.available == 0 {
		return ErrWindowFull
	}
	select {
	case s.queue <- &transfer{tag: tag, msg: msg, settled: settled}:
		s.available--
		return nil
	default:
		return ErrWindowFull
	}
}

// Disposition implements engine.Connection
func (c *Conn) Disposition(h engine.Handle, tag []byte, state types.MessageState) error {
	c.mu.Lock()
	r, ok := c.receivers[h]
	if !ok || r.link == nil {
		c.mu.Unlock()
		return ErrUnknownHandle
	}
	msg, ok := r.unsettled[string(tag)]
	delete(r.unsettled, string(tag))
	l := r.link
	c.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	ctx, cancel := c.timeout()
	defer cancel()
	switch state {
	case types.Accepted:
		return l.AcceptMessage(ctx, msg)
	case types.Rejected:
		return l.RejectMessage(ctx, msg, nil)
	default:
		return l.ReleaseMessage(ctx, msg)
	}
}

// Detach implements engine.Connection
func (c *Conn) Detach(h engine.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[h]; ok {
		delete(c.senders, h)
		close(s.queue)
		go c.closeLink(s.link, h, s.session, engine.Sender, s.address)
		return nil
	}
	if r, ok := c.receivers[h]; ok {
		delete(c.receivers, h)
		go c.closeLink(r.link, h, r.session, engine.Receiver, r.address)
		return nil
	}
	return ErrUnknownHandle
}

type closer interface {
	Close(ctx context.Context) error
}

func (c *Conn) closeLink(l closer, h, session engine.Handle, role engine.Role, address string) {
	var err error
	if l != nil && !isNil(l) {
		ctx, cancel := c.timeout()
		err = l.Close(ctx)
		cancel()
	}
	c.post(&engine.Event{Type: engine.LinkFinal, Session: session, Link: h, Role: role, Address: address, Err: err})
}

func isNil(l closer) bool {
	switch l := l.(type) {
	case *amqp.Sender:
		return l == nil
	case *amqp.Receiver:
		return l == nil
	}
	return false
}

func (c *Conn) linkFinal(h, session engine.Handle, role engine.Role, address string, err error) {
	c.mu.Lock()
	delete(c.senders, h)
	delete(c.receivers, h)
	c.mu.Unlock()
	c.post(&engine.Event{Type: engine.LinkFinal, Session: session, Link: h, Role: role, Address: address, Err: err})
}

// Flush implements engine.Connection. go-amqp writes frames as operations happen.
func (c *Conn) Flush() error { return nil }

// Close implements engine.Connection
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	err := c.conn.Close()
	c.post(&engine.Event{Type: engine.ConnectionFinal})
	return err
}

func (c *Conn) sendLoop(s *sender) {
	for t := range s.queue {
		err := s.link.Send(c.ctx, t.msg, &amqp.SendOptions{Settled: t.settled})
		if err != nil {
			c.log.WithField("Address", s.address).WithError(err).Debug("Send failed")
		}
		if !t.settled {
			c.post(&engine.Event{Type: engine.Delivery, Session: s.session, Link: s.handle, Role: engine.Sender, Address: s.address, Delivery: &engine.DeliveryInfo{
				Tag:     t.tag,
				Settled: true,
				State:   outcome(err),
			}})
		}
		c.mu.Lock()
		s.available++
		available := s.available
		c.mu.Unlock()
		c.post(&engine.Event{Type: engine.LinkFlow, Session: s.session, Link: s.handle, Role: engine.Sender, Address: s.address, Credit: available})
		if c.fatal(err) {
			return
		}
	}
}

func (c *Conn) receiveLoop(r *receiver) {
	for {
		msg, err := r.link.Receive(c.ctx, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if !c.fatal(err) {
				c.linkFinal(r.handle, r.session, engine.Receiver, r.address, err)
			}
			return
		}
		payload, err := msg.MarshalBinary()
		if err != nil {
			c.log.WithField("Address", r.address).WithError(err).Warn("Could not encode received message")
			continue
		}
		c.mu.Lock()
		c.deliveries++
		tag := make([]byte, 8)
		binary.BigEndian.PutUint64(tag, c.deliveries)
		r.unsettled[string(tag)] = msg
		c.mu.Unlock()
		c.post(&engine.Event{Type: engine.Delivery, Session: r.session, Link: r.handle, Role: engine.Receiver, Address: r.address, Delivery: &engine.DeliveryInfo{
			Tag:     tag,
			Payload: payload,
		}})
	}
}

// fatal posts a transport event for connection errors
func (c *Conn) fatal(err error) bool {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		c.post(&engine.Event{Type: engine.Transport, Err: err})
		return true
	}
	return false
}

// rejectedWithoutError is the error go-amqp returns when the peer rejects a
// message without an error condition.
const rejectedWithoutError = "the peer rejected the message without specifying an error"

// outcome maps the result of a send to a message state. go-amqp only returns
// an error for rejected outcomes: released and modified outcomes are reported
// as success and end up as ACCEPTED. Sends that failed on the link or the
// connection are RELEASED, so that they can be sent again.
func outcome(err error) types.MessageState {
	if err == nil {
		return types.Accepted
	}
	var (
		linkErr    *amqp.LinkError
		sessionErr *amqp.SessionError
		connErr    *amqp.ConnError
	)
	if errors.As(err, &linkErr) || errors.As(err, &sessionErr) || errors.As(err, &connErr) {
		return types.Released
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) || err.Error() == rejectedWithoutError {
		return types.Rejected
	}
	return types.Released
}
