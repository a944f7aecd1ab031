// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// New returns a new AMQP
func New(config Config, ctx log.Interface) (*AMQP, error) {
	amqp := new(AMQP)

	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}

	if config.QueuePrefix == "" {
		config.QueuePrefix = "amqp-bridge"
	}

	if config.ConsumerPrefix == "" {
		config.ConsumerPrefix = "amqp-bridge"
		if user, err := user.Current(); err == nil {
			config.ConsumerPrefix += "-" + user.Username
		}
		if hostname, err := os.Hostname(); err == nil {
			config.ConsumerPrefix += "@" + hostname
		}
	}

	amqp.ctx = ctx.WithField("Connector", "AMQP")
	amqp.config = config
	amqp.publish.ch = make(chan publishMessage, BufferSize)
	amqp.subscriptions = make(map[string]*subscription)
	amqp.connection.Add(1)

	return amqp, nil
}

// BufferSize indicates the maximum number of AMQP messages that should be buffered
var BufferSize = 64

// Config contains configuration for AMQP
type Config struct {
	Address        string
	Username       string
	Password       string
	VHost          string
	ExchangeName   string
	QueuePrefix    string
	ConsumerPrefix string
	TLSConfig      *tls.Config
}

func (c Config) url() (url string) {
	if c.TLSConfig != nil {
		url += "amqps://"
	} else {
		url += "amqp://"
	}
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += c.Address
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return
}

type publishMessage struct {
	routingKey string
	replyTo    string
	message    []byte
}

type subscription struct {
	queueName    string
	consumerName string
	channel      *amqp.Channel
	done         chan struct{}
	ready        sync.WaitGroup
	readyOnce    sync.Once
	cancelOnce   sync.Once
}

func (s *subscription) cancel() (err error) {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.channel != nil {
			err = s.channel.Cancel(s.consumerName, false)
		}
	})
	return
}

// AMQP event bus on a topic exchange
type AMQP struct {
	config     Config
	ctx        log.Interface
	connection struct {
		*amqp.Connection
		sync.RWMutex
		sync.WaitGroup
		once sync.Once
	}
	publish struct {
		ch   chan publishMessage
		once sync.Once
	}
	subscriptions    map[string]*subscription
	subscriptionLock sync.RWMutex
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

func (c *AMQP) connect() (err error) {
	var conn *amqp.Connection
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		return err
	}
	c.connection.Lock()
	c.connection.Connection = conn
	c.connection.Unlock()
	c.connection.once.Do(func() {
		c.connection.Done()
	})
	return c.setup()
}

func (c *AMQP) channel() (*amqp.Channel, error) {
	c.connection.Wait()
	c.connection.RLock()
	defer c.connection.RUnlock()
	return c.connection.Channel()
}

func (c *AMQP) setup() error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.ExchangeName)
		ch, err := c.channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Connect to AMQP. The connection is made in the background and restored
// when it is lost.
func (c *AMQP) Connect() error {
	go c.autoReconnect()
	return nil
}

func (c *AMQP) autoReconnect() (err error) {
	for {
		err = c.retry("connect", c.connect)
		if err != nil {
			break // Unable to connect, stop trying
		}

		c.ctx.Info("Connected")

		// Monitor the connection and reconnect on error
		ch := make(chan *amqp.Error)
		c.connection.NotifyClose(ch)
		if amqpErr, hasErr := <-ch; hasErr {
			err = errors.New(amqpErr.Error())
		} else {
			break
		}
		c.ctx.WithError(err).Warn("Connection closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		c.ctx.WithError(err).Error("Could not connect")
	} else {
		c.ctx.Info("Connection closed")
	}
	return
}

func (c *AMQP) retry(what string, f func() error) (err error) {
	for retries := ConnectRetries; retries > 0; retries-- {
		if err = f(); err == nil {
			return nil
		}
		c.ctx.WithError(err).Warnf("Error trying to %s", what)
		time.Sleep(ConnectRetryDelay)
	}
	return err
}

// Disconnect from AMQP
func (c *AMQP) Disconnect() error {
	c.subscriptionLock.Lock()
	for routingKey, subscription := range c.subscriptions {
		subscription.cancel()
		delete(c.subscriptions, routingKey)
	}
	c.subscriptionLock.Unlock()
	c.connection.RLock()
	defer c.connection.RUnlock()
	if c.connection.Connection == nil {
		return nil
	}
	return c.connection.Close()
}

func (c *AMQP) autoRecreatePublishChannel() (err error) {
	for {
		var channel *amqp.Channel
		err = c.retry("get channel", func() (err error) {
			channel, err = c.channel()
			return
		})
		if err != nil {
			break // Unable to get channel, stop trying
		}

		c.ctx.Info("Got publish channel")

		// Monitor the channel
		ch := make(chan *amqp.Error)
		channel.NotifyClose(ch)

	handle:
		for {
			select {
			case amqpErr, hasErr := <-ch:
				if hasErr {
					err = errors.New(amqpErr.Error())
				}
				break handle
			case msg, ok := <-c.publish.ch:
				if !ok {
					break handle
				}
				ctx := c.ctx.WithField("RoutingKey", msg.routingKey)
				err := channel.Publish(c.config.ExchangeName, msg.routingKey, false, false, amqp.Publishing{
					DeliveryMode: amqp.Persistent,
					Timestamp:    time.Now(),
					ContentType:  "application/json",
					ReplyTo:      msg.replyTo,
					Body:         msg.message,
				})
				if err != nil {
					ctx.WithError(err).Warn("Error during publish")
				} else {
					ctx.Debug("Published message")
				}
			}
		}
		if err == nil {
			break
		}
		c.ctx.WithError(err).Warn("Publish channel closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		c.ctx.WithError(err).Error("Error in publish channel")
	} else {
		c.ctx.Info("Publish channel closed")
	}
	return
}

// Publish implements backend.Bus. The routing key is the bus address.
func (c *AMQP) Publish(message *types.BusMessage) error {
	payload, err := backend.Marshal(message)
	if err != nil {
		return err
	}
	c.publish.once.Do(func() {
		go c.autoRecreatePublishChannel()
	})
	select {
	case c.publish.ch <- publishMessage{routingKey: message.Address, replyTo: message.ReplyTo, message: payload}:
	default:
		c.ctx.WithField("RoutingKey", message.Address).Warn("Not publishing message [buffer full]")
	}
	return nil
}

// Subscribe implements backend.Bus. Every address gets its own queue, bound
// to the exchange with the address as routing key.
func (c *AMQP) Subscribe(address string) (<-chan *types.BusMessage, error) {
	channel, err := c.channel()
	if err != nil {
		return nil, err
	}
	defer channel.Close()
	queueName := fmt.Sprintf("%s.%s", c.config.QueuePrefix, address)
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, err
	}
	if err := channel.QueueBind(queueName, address, c.config.ExchangeName, false, nil); err != nil {
		return nil, err
	}

	sub := &subscription{
		queueName:    queueName,
		consumerName: c.config.ConsumerPrefix + "-" + queueName,
		done:         make(chan struct{}),
	}
	sub.ready.Add(1)
	c.subscriptionLock.Lock()
	if existing, ok := c.subscriptions[address]; ok {
		existing.cancel()
	}
	c.subscriptions[address] = sub
	c.subscriptionLock.Unlock()

	messages := make(chan *types.BusMessage, BufferSize)
	go c.consume(address, sub, messages)
	return messages, nil
}

func (c *AMQP) consume(address string, sub *subscription, messages chan<- *types.BusMessage) {
	ctx := c.ctx.WithField("RoutingKey", address)
	defer close(messages)
	defer sub.readyOnce.Do(sub.ready.Done)
	var err error
	for {
		var channel *amqp.Channel
		err = c.retry("get channel", func() (err error) {
			channel, err = c.channel()
			return
		})
		if err != nil {
			break // Unable to get channel, stop trying
		}

		c.subscriptionLock.Lock()
		sub.channel = channel
		c.subscriptionLock.Unlock()
		sub.readyOnce.Do(sub.ready.Done)

		ctx.Info("Got subscribe channel")

		// Monitor the channel
		ch := make(chan *amqp.Error)
		channel.NotifyClose(ch)

		if err = channel.Qos(1, 0, false); err != nil {
			break
		}

		deliveries, cErr := channel.Consume(sub.queueName, sub.consumerName, false, false, false, false, nil)
		if cErr != nil {
			err = cErr
			break
		}

	handle:
		for {
			select {
			case <-sub.done:
				channel.Close()
				ctx.Info("Subscribe channel closed")
				return
			case amqpErr, hasErr := <-ch:
				if hasErr {
					err = errors.New(amqpErr.Error())
				}
				break handle
			case delivery, ok := <-deliveries:
				if !ok {
					break handle
				}
				message, uErr := backend.Unmarshal(delivery.RoutingKey, delivery.Body)
				if uErr != nil {
					ctx.WithError(uErr).Warn("Could not unmarshal message")
					delivery.Nack(false, false)
					continue
				}
				select {
				case messages <- message:
					ctx.Debug("Received message")
					delivery.Ack(false)
				case <-sub.done:
					delivery.Nack(false, true)
					channel.Close()
					return
				}
			}
		}
		if err == nil {
			break
		}
		ctx.WithError(err).Warn("Subscribe channel closed")
		time.Sleep(ConnectRetryDelay)
	}
	if err != nil {
		ctx.WithError(err).Error("Error in subscribe channel")
	} else {
		ctx.Info("Subscribe channel closed")
	}
}

// Unsubscribe implements backend.Bus. The queue of the address is deleted.
func (c *AMQP) Unsubscribe(address string) error {
	c.subscriptionLock.Lock()
	sub, ok := c.subscriptions[address]
	delete(c.subscriptions, address)
	c.subscriptionLock.Unlock()
	if !ok {
		return nil
	}
	sub.ready.Wait()
	if err := sub.cancel(); err != nil {
		return err
	}
	channel, err := c.channel()
	if err != nil {
		return err
	}
	defer channel.Close()
	lost, err := channel.QueueDelete(sub.queueName, true, false, false)
	if err != nil {
		return err
	}
	if lost > 0 {
		c.ctx.WithField("NumMessages", lost).Warn("Lost messages in unsubscribe")
	}
	return nil
}
