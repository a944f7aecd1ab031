// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/address"
	"github.com/TheThingsNetwork/amqp-bridge/auth"
	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/connection"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/router"
	"github.com/TheThingsNetwork/amqp-bridge/status"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
)

// Errors returned by the Exchange
var (
	ErrStopped         = errors.New("exchange: stopped")
	ErrLinkNotFound    = errors.New("exchange: link not found")
	ErrMessageNotFound = errors.New("exchange: message not found")
	ErrServiceNotFound = errors.New("exchange: service not found")
	ErrLinkTimeout     = errors.New("exchange: link was not attached in time")
	ErrNoTarget        = fmt.Errorf("%w: missing target", address.ErrInvalidFormat)
)

// Config of the Exchange
type Config struct {
	Router router.Config

	// DefaultHandlerAddress and HandlerAddresses are the bus addresses of
	// which messages are routed to AMQP with the outbound routes
	DefaultHandlerAddress string
	HandlerAddresses      []string
	// DefaultOutboundAddress receives outbound messages that match no route
	DefaultOutboundAddress string
	// ReplyToAddress is the AMQP address on which the bridge receives replies
	ReplyToAddress string

	LinkEstablishTimeout time.Duration
	ReplyTimeout         time.Duration
	DialTimeout          time.Duration

	// OutboundBuffer is the number of messages that are kept for a routed
	// link while it has no credit
	OutboundBuffer int
}

// DefaultConfig for the Exchange
var DefaultConfig = Config{
	DefaultHandlerAddress:  "amqp-bridge.bridge",
	DefaultOutboundAddress: "amqp://localhost:5672/bridge",
	LinkEstablishTimeout:   10 * time.Second,
	ReplyTimeout:           30 * time.Second,
	DialTimeout:            10 * time.Second,
	OutboundBuffer:         64,
}

// Exchange binds the links of AMQP connections to addresses on the event bus.
//
// Messages that arrive on the handler addresses of the bus are sent to the
// AMQP addresses that the outbound routes select. Messages that arrive on
// AMQP links are published to the bus address the link is bound to, or to the
// bus addresses that the inbound routes select.
//
// Bus applications use the control operations to establish links of their
// own, to settle the messages they receive and to register services that AMQP
// clients can attach to.
type Exchange struct {
	ctx    log.Interface
	config Config
	bus    backend.Bus
	dialer engine.Dialer
	router *router.Router

	middleware middleware.Chain
	auth       auth.Interface
	state      serviceState

	mu          sync.RWMutex
	started     bool
	connections map[string]*connection.Connection
	bindings    map[string]*binding
	routed      map[string]*binding
	deliveries  map[string]*delivery
	services    map[string]*service
	replies     map[string]*pendingReply
	sources     map[string]mapset.Set
	replyNode   string

	subscriptions map[string]chan struct{}
	doneLock      sync.Mutex
}

// New initializes a new Exchange
func New(ctx log.Interface, config Config, bus backend.Bus, dialer engine.Dialer) *Exchange {
	if config.OutboundBuffer == 0 {
		config.OutboundBuffer = DefaultConfig.OutboundBuffer
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultConfig.DialTimeout
	}
	if config.LinkEstablishTimeout == 0 {
		config.LinkEstablishTimeout = DefaultConfig.LinkEstablishTimeout
	}
	if config.ReplyTimeout == 0 {
		config.ReplyTimeout = DefaultConfig.ReplyTimeout
	}
	return &Exchange{
		ctx:           ctx,
		config:        config,
		bus:           bus,
		dialer:        dialer,
		router:        router.New(config.Router),
		connections:   make(map[string]*connection.Connection),
		bindings:      make(map[string]*binding),
		routed:        make(map[string]*binding),
		deliveries:    make(map[string]*delivery),
		services:      make(map[string]*service),
		replies:       make(map[string]*pendingReply),
		sources:       make(map[string]mapset.Set),
		subscriptions: make(map[string]chan struct{}),
	}
}

// SetAuth sets the store of credentials for AMQP hosts. They are used when
// an address does not carry credentials itself.
func (e *Exchange) SetAuth(store auth.Interface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = store
}

// withCredentials returns settings with the stored credentials of the host
func (e *Exchange) withCredentials(settings *types.ConnectionSettings) *types.ConnectionSettings {
	e.mu.RLock()
	store := e.auth
	e.mu.RUnlock()
	if store == nil || settings.User != "" {
		return settings
	}
	username, password, err := store.GetCredentials(settings.HostPort())
	if err != nil {
		if err != auth.ErrHostNotFound {
			e.ctx.WithField("Host", settings.HostPort()).WithError(err).Warn("Could not get credentials")
		}
		return settings
	}
	withCredentials := *settings
	withCredentials.User, withCredentials.Password = username, password
	return &withCredentials
}

// SetMiddleware sets the middleware chain
func (e *Exchange) SetMiddleware(chain middleware.Chain) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = chain
}

// Router returns the router of the Exchange
func (e *Exchange) Router() *router.Router {
	return e.router
}

func (e *Exchange) isStarted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// Start the Exchange. The bus must be connected.
func (e *Exchange) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	var handlers []string
	if e.config.DefaultHandlerAddress != "" {
		handlers = append(handlers, e.config.DefaultHandlerAddress)
	}
	handlers = append(handlers, e.config.HandlerAddresses...)
	for _, address := range handlers {
		if err := e.subscribe(address, e.handleOutbound); err != nil {
			e.Stop()
			return err
		}
	}

	if e.config.ReplyToAddress != "" {
		if err := e.establishReplyLink(); err != nil {
			e.Stop()
			return err
		}
	}

	e.ctx.WithField("Handlers", handlers).Info("Started")
	return nil
}

// Stop the Exchange. This closes all connections.
func (e *Exchange) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	connections := make([]*connection.Connection, 0, len(e.connections))
	for _, c := range e.connections {
		connections = append(connections, c)
	}
	for id, reply := range e.replies {
		reply.watchdog.Stop()
		delete(e.replies, id)
	}
	e.services = make(map[string]*service)
	e.mu.Unlock()

	e.unsubscribeAll()
	for _, c := range connections {
		if err := c.Close(); err != nil {
			e.ctx.WithField("Connection", c.Key()).WithError(err).Warn("Could not close connection")
		}
	}
	e.ctx.Info("Stopped")
}

// AcceptConnection hands a connection that a peer opened to the Exchange
func (e *Exchange) AcceptConnection(conn engine.Connection) (*connection.Connection, error) {
	if !e.isStarted() {
		return nil, ErrStopped
	}
	c := connection.Accept(e.ctx, conn, e)
	e.addConnection(c)
	if err := c.Start(); err != nil {
		e.removeConnection(c)
		return nil, err
	}
	return c, nil
}

func (e *Exchange) addConnection(c *connection.Connection) {
	e.mu.Lock()
	e.connections[c.Key()] = c
	e.mu.Unlock()
	connectionsGauge.Inc()
	status.ConnectionOpened()
}

func (e *Exchange) removeConnection(c *connection.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connections[c.Key()] == c {
		delete(e.connections, c.Key())
		connectionsGauge.Dec()
		status.ConnectionClosed()
	}
}

// connection returns the connection to the host of the settings, and dials it
// if there is none
func (e *Exchange) connection(settings *types.ConnectionSettings) (*connection.Connection, error) {
	key := settings.HostPort()
	e.mu.RLock()
	c, ok := e.connections[key]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	settings = e.withCredentials(settings)
	ctx, cancel := context.WithTimeout(context.Background(), e.config.DialTimeout)
	defer cancel()
	conn, err := e.dialer.Dial(ctx, settings)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.connections[key]; ok {
		e.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c = connection.New(e.ctx, conn, settings, e)
	e.connections[key] = c
	e.mu.Unlock()
	connectionsGauge.Inc()
	status.ConnectionOpened()

	if err := c.Start(); err != nil {
		e.removeConnection(c)
		c.Close()
		return nil, err
	}
	e.ctx.WithField("Connection", settings.String()).Info("Connected")
	return c, nil
}

// subscribe to a bus address and pass its messages to the handler until
// unsubscribe is called
func (e *Exchange) subscribe(address string, handler func(*types.BusMessage)) error {
	messages, err := e.bus.Subscribe(address)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	e.doneLock.Lock()
	if existing, ok := e.subscriptions[address]; ok {
		close(existing)
	}
	e.subscriptions[address] = done
	e.doneLock.Unlock()

	ctx := e.ctx.WithField("BusAddress", address)
	go func() {
		ctx.Debug("Activated subscription")
	loop:
		for {
			select {
			case <-done:
				break loop
			case msg, ok := <-messages:
				if !ok {
					break loop
				}
				handler(msg)
			}
		}
		ctx.Debug("Deactivated subscription")
	}()
	return nil
}

func (e *Exchange) unsubscribe(address string) {
	e.doneLock.Lock()
	done, ok := e.subscriptions[address]
	if ok {
		close(done)
		delete(e.subscriptions, address)
	}
	e.doneLock.Unlock()
	if !ok {
		return
	}
	if err := e.bus.Unsubscribe(address); err != nil {
		e.ctx.WithField("BusAddress", address).WithError(err).Warn("Could not unsubscribe")
	}
}

func (e *Exchange) unsubscribeAll() {
	e.doneLock.Lock()
	addresses := make([]string, 0, len(e.subscriptions))
	for address := range e.subscriptions {
		addresses = append(addresses, address)
	}
	e.doneLock.Unlock()
	for _, address := range addresses {
		e.unsubscribe(address)
	}
}

// publish a message from an AMQP link to the bus
func (e *Exchange) publish(linkRef, amqpAddress string, msg *types.BusMessage) error {
	e.mu.RLock()
	chain := e.middleware
	e.mu.RUnlock()
	if err := chain.Execute(middleware.NewContext(), &types.InboundMessage{
		LinkRef:     linkRef,
		AMQPAddress: amqpAddress,
		Message:     msg,
	}); err != nil {
		droppedCounter.WithLabelValues("middleware").Inc()
		return fmt.Errorf("%w: %v", errDropped, err)
	}
	if err := e.bus.Publish(msg); err != nil {
		droppedCounter.WithLabelValues("bus").Inc()
		return err
	}
	routedCounter.WithLabelValues("inbound").Inc()
	status.Inbound()
	return nil
}

// notify publishes a notification, if there is an address to publish it to
func (e *Exchange) notify(address string, n *types.Notification) {
	if address == "" {
		return
	}
	if err := e.bus.Publish(n.ToBusMessage(address)); err != nil {
		e.ctx.WithFields(log.Fields{
			"BusAddress":   address,
			"Notification": n.Type,
		}).WithError(err).Warn("Could not publish notification")
	}
}
