// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package connection runs AMQP connections. Each Connection has a single
// goroutine that drains the events of its engine and runs the operations that
// are requested from other goroutines, so that link state is only touched
// from that goroutine.
package connection

import (
	"errors"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/link"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Connection errors
var (
	ErrClosed            = errors.New("connection: closed")
	ErrLinkNotFound      = errors.New("connection: link not found")
	ErrDeliveryNotFound  = errors.New("connection: delivery not found")
	ErrProtocolViolation = errors.New("connection: protocol violation")
	ErrNoSession         = errors.New("connection: no session")
)

// Delivery is a message received on an inbound link
type Delivery struct {
	// Ref identifies the delivery within the bridge
	Ref      string
	Tag      []byte
	Sequence uint64
	// Settled is set if the peer sent the message pre-settled
	Settled bool
	Message *amqp.Message
}

// Listener receives the events of a Connection. All methods are called from
// the event loop and must not wait for operations on the same Connection.
type Listener interface {
	ConnectionOpened(c *Connection)
	ConnectionClosed(c *Connection, err error)
	// InboundLinkOptions is consulted when the peer attaches a link to the bridge
	InboundLinkOptions(c *Connection, address string) types.IncomingLinkOptions
	LinkOpened(c *Connection, l link.Link)
	LinkClosed(c *Connection, l link.Link)
	// CreditAvailable is called when an outbound link gets credit after having none
	CreditAvailable(c *Connection, l *link.OutboundLink)
	// Message is called for each received message. The returned state settles
	// the delivery, types.Unknown leaves it unsettled.
	Message(c *Connection, l *link.InboundLink, d *Delivery) types.MessageState
	// Settled is called when the peer settled a tracked delivery
	Settled(c *Connection, t *link.Tracker)
}

type session struct {
	id       string
	handle   engine.Handle
	sequence uint64
}

type entry struct {
	link      link.Link
	handle    engine.Handle
	session   engine.Handle
	unsettled map[string]bool
}

// Connection is an AMQP connection with its sessions and links
type Connection struct {
	ctx      log.Interface
	id       string
	settings *types.ConnectionSettings
	engine   engine.Connection
	listener Listener
	accepted bool

	tasks     chan func()
	stopped   chan struct{}
	startOnce sync.Once

	// Owned by the event loop
	opened         bool
	final          bool
	sessions       map[engine.Handle]*session
	defaultSession engine.Handle
	handles        map[engine.Handle]*entry
	trackers       map[string]*link.Tracker
	deliveryCount  uint64

	mu    sync.RWMutex
	links map[string]*entry
	err   error
}

func newConnection(ctx log.Interface, conn engine.Connection, settings *types.ConnectionSettings, listener Listener, accepted bool) *Connection {
	c := &Connection{
		id:       uuid.New().String(),
		settings: settings,
		engine:   conn,
		listener: listener,
		accepted: accepted,
		tasks:    make(chan func()),
		stopped:  make(chan struct{}),
		sessions: make(map[engine.Handle]*session),
		handles:  make(map[engine.Handle]*entry),
		trackers: make(map[string]*link.Tracker),
		links:    make(map[string]*entry),
	}
	c.ctx = ctx.WithField("Connection", c.Key())
	return c
}

// New returns a Connection that the bridge initiates
func New(ctx log.Interface, conn engine.Connection, settings *types.ConnectionSettings, listener Listener) *Connection {
	return newConnection(ctx, conn, settings, listener, false)
}

// Accept returns a Connection that the peer initiated
func Accept(ctx log.Interface, conn engine.Connection, listener Listener) *Connection {
	return newConnection(ctx, conn, nil, listener, true)
}

// ID returns the unique ID of the connection
func (c *Connection) ID() string { return c.id }

// Key returns host:port for connections the bridge initiated, the ID otherwise
func (c *Connection) Key() string {
	if c.settings != nil {
		return c.settings.HostPort()
	}
	return c.id
}

// Settings returns the settings of connections the bridge initiated
func (c *Connection) Settings() *types.ConnectionSettings { return c.settings }

// Accepted returns whether the peer initiated the connection
func (c *Connection) Accepted() bool { return c.accepted }

// Done is closed when the event loop stopped
func (c *Connection) Done() <-chan struct{} { return c.stopped }

// Err returns the error that closed the connection, if any
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Link returns the link with the given ID
func (c *Connection) Link(id string) (link.Link, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.links[id]; ok {
		return e.link, true
	}
	return nil, false
}

// Links returns all links of the connection
func (c *Connection) Links() []link.Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	links := make([]link.Link, 0, len(c.links))
	for _, e := range c.links {
		links = append(links, e.link)
	}
	return links
}

// Start the event loop and open the connection
func (c *Connection) Start() error {
	c.startOnce.Do(func() {
		go c.loop()
	})
	if c.accepted {
		return nil
	}
	return c.Run(func() error {
		if err := c.engine.Open(); err != nil {
			return err
		}
		h, err := c.engine.BeginSession()
		if err != nil {
			return err
		}
		c.addSession(h)
		return c.engine.Flush()
	})
}

// Do runs the function on the event loop without waiting for it
func (c *Connection) Do(f func()) error {
	select {
	case c.tasks <- f:
		return nil
	case <-c.stopped:
		return ErrClosed
	}
}

// Run runs the function on the event loop and returns its result
func (c *Connection) Run(f func() error) error {
	result := make(chan error, 1)
	err := c.Do(func() {
		if c.final {
			result <- ErrClosed
			return
		}
		result <- f()
	})
	if err != nil {
		return err
	}
	return <-result
}

// Close the connection
func (c *Connection) Close() error {
	err := c.Run(func() error {
		c.teardown(nil)
		return nil
	})
	if err == ErrClosed {
		return nil
	}
	return err
}

func (c *Connection) addSession(h engine.Handle) *session {
	s := &session{id: uuid.New().String(), handle: h}
	c.sessions[h] = s
	if c.defaultSession == 0 {
		c.defaultSession = h
	}
	return s
}

func (c *Connection) addLink(l link.Link, h, session engine.Handle) *entry {
	e := &entry{link: l, handle: h, session: session}
	if l.Direction() == link.Inbound {
		e.unsettled = make(map[string]bool)
	}
	c.handles[h] = e
	c.mu.Lock()
	c.links[l.ID()] = e
	c.mu.Unlock()
	return e
}

func (c *Connection) removeLink(e *entry) {
	delete(c.handles, e.handle)
	c.mu.Lock()
	delete(c.links, e.link.ID())
	c.mu.Unlock()
}

func (c *Connection) entry(id string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.links[id]; ok {
		return e, nil
	}
	return nil, ErrLinkNotFound
}
