// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package redis uses Redis pub/sub as the event bus of the bridge. Every bus
// address is a Redis channel, optionally prefixed. Messages are JSON encoded
// types.BusMessage.
package redis

import (
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	redis "gopkg.in/redis.v5"
)

// BufferSize indicates the maximum number of Redis messages that should be buffered
var BufferSize = 64

// ReceiveRetryDelay is the time to wait after a failed receive
var ReceiveRetryDelay = time.Second

// Config contains configuration for Redis
type Config struct {
	Address  string
	Password string
	DB       int
	// Prefix is prepended to bus addresses
	Prefix string
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) cancel() {
	s.once.Do(func() {
		close(s.done)
		s.pubsub.Close()
	})
}

// Redis event bus
type Redis struct {
	ctx    log.Interface
	client *redis.Client
	prefix string

	mu            sync.Mutex
	subscriptions map[string]*subscription
}

// New returns a new Redis bus
func New(config Config, ctx log.Interface) *Redis {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	}), config.Prefix, ctx)
}

// NewWithClient returns a new Redis bus that uses an existing client
func NewWithClient(client *redis.Client, prefix string, ctx log.Interface) *Redis {
	return &Redis{
		ctx:           ctx.WithField("Connector", "Redis"),
		client:        client,
		prefix:        prefix,
		subscriptions: make(map[string]*subscription),
	}
}

// Connect implements backend.Bus
func (r *Redis) Connect() error {
	if err := r.client.Ping().Err(); err != nil {
		return err
	}
	r.ctx.Info("Connected")
	return nil
}

// Disconnect implements backend.Bus
func (r *Redis) Disconnect() error {
	r.mu.Lock()
	for address, sub := range r.subscriptions {
		sub.cancel()
		delete(r.subscriptions, address)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func (r *Redis) channel(address string) string {
	return r.prefix + address
}

// Publish implements backend.Bus
func (r *Redis) Publish(message *types.BusMessage) error {
	payload, err := backend.Marshal(message)
	if err != nil {
		return err
	}
	receivers, err := r.client.Publish(r.channel(message.Address), string(payload)).Result()
	if err != nil {
		return err
	}
	r.ctx.WithFields(log.Fields{
		"Address":   message.Address,
		"Receivers": receivers,
	}).Debug("Published message")
	return nil
}

// Subscribe implements backend.Bus
func (r *Redis) Subscribe(address string) (<-chan *types.BusMessage, error) {
	pubsub, err := r.client.Subscribe(r.channel(address))
	if err != nil {
		return nil, err
	}
	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	r.mu.Lock()
	if existing, ok := r.subscriptions[address]; ok {
		existing.cancel()
	}
	r.subscriptions[address] = sub
	r.mu.Unlock()

	messages := make(chan *types.BusMessage, BufferSize)
	go r.receive(address, sub, messages)
	r.ctx.WithField("Address", address).Debug("Subscribed")
	return messages, nil
}

func (r *Redis) receive(address string, sub *subscription, messages chan<- *types.BusMessage) {
	ctx := r.ctx.WithField("Address", address)
	defer close(messages)
	for {
		msg, err := sub.pubsub.ReceiveMessage()
		if err != nil {
			select {
			case <-sub.done:
				return
			default:
			}
			ctx.WithError(err).Warn("Could not receive message")
			time.Sleep(ReceiveRetryDelay)
			continue
		}
		message, err := backend.Unmarshal(address, []byte(msg.Payload))
		if err != nil {
			ctx.WithError(err).Warn("Could not unmarshal message")
			continue
		}
		select {
		case messages <- message:
			ctx.Debug("Received message")
		case <-sub.done:
			return
		default:
			ctx.Warn("Could not handle message: buffer full")
		}
	}
}

// Unsubscribe implements backend.Bus
func (r *Redis) Unsubscribe(address string) error {
	r.mu.Lock()
	sub, ok := r.subscriptions[address]
	delete(r.subscriptions, address)
	r.mu.Unlock()
	if ok {
		sub.cancel()
	}
	r.ctx.WithField("Address", address).Debug("Unsubscribed")
	return nil
}
