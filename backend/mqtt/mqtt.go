// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// New returns a new MQTT
func New(config Config, ctx log.Interface) (*MQTT, error) {
	mqtt := new(MQTT)

	mqtt.ctx = ctx.WithField("Connector", "MQTT")
	mqtt.prefix = config.TopicPrefix

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	mqttOpts.SetClientID(fmt.Sprintf("amqp-bridge-%s", uuid.NewString()[:8]))
	mqttOpts.SetUsername(config.Username)
	mqttOpts.SetPassword(config.Password)
	mqttOpts.SetKeepAlive(30 * time.Second)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.Warnf("Received unhandled message on MQTT: %v", msg)
	})

	mqtt.subscriptions = make(map[string]subscription)
	var reconnecting bool
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.Warnf("Disconnected (%s). Reconnecting...", err.Error())
		reconnecting = true
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.Info("Connected")
		if reconnecting {
			mqtt.resubscribe()
			reconnecting = false
		}
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt, nil
}

// QoS indicates the MQTT Quality of Service level.
// 0: The broker/client will deliver the message once, with no confirmation.
// 1: The broker/client will deliver the message at least once, with confirmation required.
// 2: The broker/client will deliver the message exactly once by using a four step handshake.
var (
	PublishQoS   byte = 0x01
	SubscribeQoS byte = 0x01
)

// BufferSize indicates the maximum number of MQTT messages that should be buffered
var BufferSize = 64

// Config contains configuration for MQTT
type Config struct {
	Brokers  []string
	Username string
	Password string
	// TopicPrefix is prepended to bus addresses
	TopicPrefix string
	TLSConfig   *tls.Config
}

type subscription struct {
	handler paho.MessageHandler
	cancel  func()
}

// MQTT event bus
type MQTT struct {
	ctx           log.Interface
	client        paho.Client
	prefix        string
	subscriptions map[string]subscription
	mu            sync.Mutex
}

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 10
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
)

// Connect to MQTT
func (c *MQTT) Connect() error {
	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		token := c.client.Connect()
		finished := token.WaitTimeout(1 * time.Second)
		if !finished {
			c.ctx.Warn("MQTT connection took longer than expected...")
			token.Wait()
		}
		err = token.Error()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to MQTT (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("Could not connect to MQTT (%s)", err)
	}
	return err
}

// Disconnect from MQTT
func (c *MQTT) Disconnect() error {
	c.client.Disconnect(100)
	return nil
}

func (c *MQTT) topic(address string) string {
	return c.prefix + address
}

func (c *MQTT) subscribe(topic string, handler paho.MessageHandler, cancel func()) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrappedHandler := func(client paho.Client, msg paho.Message) {
		if msg.Retained() {
			c.ctx.WithField("Topic", msg.Topic()).Debug("Ignore retained message")
			return
		}
		handler(client, msg)
	}
	if existing, ok := c.subscriptions[topic]; ok && existing.cancel != nil {
		existing.cancel()
	}
	c.subscriptions[topic] = subscription{wrappedHandler, cancel}
	return c.client.Subscribe(topic, SubscribeQoS, wrappedHandler)
}

func (c *MQTT) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, subscription := range c.subscriptions {
		c.client.Subscribe(topic, SubscribeQoS, subscription.handler)
	}
}

func (c *MQTT) unsubscribe(topic string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscription, ok := c.subscriptions[topic]; ok && subscription.cancel != nil {
		subscription.cancel()
	}
	delete(c.subscriptions, topic)
	return c.client.Unsubscribe(topic)
}

// Subscribe implements backend.Bus
func (c *MQTT) Subscribe(address string) (<-chan *types.BusMessage, error) {
	ctx := c.ctx.WithField("Address", address)
	messages := make(chan *types.BusMessage, BufferSize)
	var mu sync.Mutex
	var closed bool
	token := c.subscribe(c.topic(address), func(_ paho.Client, msg paho.Message) {
		message, err := backend.Unmarshal(address, msg.Payload())
		if err != nil {
			ctx.WithError(err).Warn("Could not unmarshal message")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case messages <- message:
			ctx.WithField("Size", len(msg.Payload())).Debug("Received message")
		default:
			ctx.Warn("Could not handle message: buffer full")
		}
	}, func() {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		close(messages)
	})
	token.Wait()
	return messages, token.Error()
}

// Unsubscribe implements backend.Bus
func (c *MQTT) Unsubscribe(address string) error {
	token := c.unsubscribe(c.topic(address))
	token.Wait()
	return token.Error()
}

// Publish implements backend.Bus
func (c *MQTT) Publish(message *types.BusMessage) error {
	ctx := c.ctx.WithField("Address", message.Address)
	payload, err := backend.Marshal(message)
	if err != nil {
		return err
	}
	token := c.client.Publish(c.topic(message.Address), PublishQoS, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			ctx.WithError(err).Warn("Could not publish message")
			return
		}
		ctx.WithField("Size", len(payload)).Debug("Published message")
	}()
	return nil
}
