// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/auth"
	"github.com/TheThingsNetwork/amqp-bridge/backend"
	"github.com/TheThingsNetwork/amqp-bridge/backend/amqp"
	"github.com/TheThingsNetwork/amqp-bridge/backend/dummy"
	"github.com/TheThingsNetwork/amqp-bridge/backend/mqtt"
	redisbus "github.com/TheThingsNetwork/amqp-bridge/backend/redis"
	"github.com/TheThingsNetwork/amqp-bridge/control"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/engine/goamqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine/memory"
	"github.com/TheThingsNetwork/amqp-bridge/exchange"
	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/middleware/blacklist"
	"github.com/TheThingsNetwork/amqp-bridge/middleware/debug"
	"github.com/TheThingsNetwork/amqp-bridge/middleware/deduplicate"
	"github.com/TheThingsNetwork/amqp-bridge/middleware/inject"
	"github.com/TheThingsNetwork/amqp-bridge/middleware/ratelimit"
	"github.com/TheThingsNetwork/amqp-bridge/routefile"
	"github.com/TheThingsNetwork/amqp-bridge/status"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	redis "gopkg.in/redis.v5"
)

// BridgeCmd is the main command that is executed when running amqp-bridge
var BridgeCmd = &cobra.Command{
	Use:               "amqp-bridge",
	Short:             "AMQP 1.0 bridge for the event bus",
	Long:              `amqp-bridge bridges between AMQP 1.0 containers and an event bus`,
	PersistentPreRun:  setupLogging,
	Run:               runBridge,
	PersistentPostRun: closeLogging,
}

var redisClient *redis.Client

func getRedisClient() *redis.Client {
	if redisClient == nil {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.GetString("redis-address"),
			Password: config.GetString("redis-password"),
			DB:       config.GetInt("redis-db"),
		})
	}
	return redisClient
}

func setupBus() (backend.Bus, error) {
	switch name := config.GetString("bus"); name {
	case "memory":
		ctx.Info("Initializing Memory bus")
		return dummy.New(ctx), nil
	case "mqtt":
		b, err := parseBroker(config.GetString("mqtt"))
		if err != nil {
			return nil, err
		}
		ctx.WithField("Username", b.Username).WithField("Address", b.Address).Info("Initializing MQTT bus")
		return mqtt.New(mqtt.Config{
			Brokers:     []string{"tcp://" + b.Address},
			Username:    b.Username,
			Password:    b.Password,
			TopicPrefix: config.GetString("mqtt-topic-prefix"),
		}, ctx)
	case "amqp":
		b, err := parseBroker(config.GetString("amqp"))
		if err != nil {
			return nil, err
		}
		ctx.WithField("Username", b.Username).WithField("Address", b.Address).Info("Initializing AMQP bus")
		return amqp.New(amqp.Config{
			Address:      b.Address,
			Username:     b.Username,
			Password:     b.Password,
			ExchangeName: config.GetString("amqp-exchange"),
		}, ctx)
	case "redis":
		ctx.WithField("Address", config.GetString("redis-address")).Info("Initializing Redis bus")
		return redisbus.NewWithClient(getRedisClient(), config.GetString("redis-prefix"), ctx), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", name)
	}
}

func setupEngine() (engine.Dialer, error) {
	switch name := config.GetString("engine"); name {
	case "go-amqp":
		return goamqp.NewDialer(ctx, goamqp.Config{
			Window:      uint32(config.GetInt("outbound-window")),
			Timeout:     config.GetDuration("link-establish-timeout"),
			ContainerID: config.GetString("id"),
		}), nil
	case "memory":
		ctx.Warn("Using the in-memory AMQP engine, links are attached to simulated peers")
		return memory.NewNetwork(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}

func setupMiddleware() (chain middleware.Chain, closers []func(), err error) {
	if config.GetBool("log-traffic") {
		chain = append(chain, debug.New(ctx))
	}
	if lists := config.GetStringSlice("blacklist"); len(lists) > 0 {
		ctx.WithField("Lists", lists).Info("Initializing blacklist")
		b, err := blacklist.NewBlacklist(lists...)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, b)
		closers = append(closers, b.Close)
	}
	if config.GetBool("deduplicate") {
		chain = append(chain, deduplicate.NewDeduplicate())
	}
	limits := ratelimit.Limits{
		Inbound:  config.GetInt("ratelimit-inbound"),
		Outbound: config.GetInt("ratelimit-outbound"),
	}
	if limits.Inbound > 0 || limits.Outbound > 0 {
		if config.GetBool("ratelimit-redis") {
			ctx.Info("Initializing Redis rate limit")
			chain = append(chain, ratelimit.NewRedisRateLimit(getRedisClient(), limits))
		} else {
			chain = append(chain, ratelimit.NewRateLimit(limits))
		}
	}
	properties, err := parseFields(config.GetStringSlice("inject-property"))
	if err != nil {
		return nil, nil, err
	}
	headers, err := parseFields(config.GetStringSlice("inject-header"))
	if err != nil {
		return nil, nil, err
	}
	if properties != nil || headers != nil {
		chain = append(chain, inject.NewInject(inject.Fields{
			ApplicationProperties: properties,
			Headers:               headers,
		}))
	}
	return chain, closers, nil
}

func runBridge(cmd *cobra.Command, args []string) {
	bus, err := setupBus()
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize bus")
	}
	if err := bus.Connect(); err != nil {
		ctx.WithError(err).Fatal("Could not connect to bus")
	}
	defer bus.Disconnect()

	dialer, err := setupEngine()
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize engine")
	}

	bridge := exchange.New(ctx, exchangeConfig(), bus, dialer)

	var authBackend auth.Interface
	if config.GetBool("auth-redis") {
		ctx.Info("Initializing Redis auth backend")
		authBackend = auth.NewRedis(getRedisClient(), "")
	} else {
		ctx.Info("Initializing Memory auth backend")
		authBackend = auth.NewMemory()
	}
	credentials, err := parseFields(config.GetStringSlice("credentials"))
	if err != nil {
		ctx.WithError(err).Fatal("Invalid credentials")
	}
	for hostPort, userPass := range credentials {
		username, password, err := auth.ParseCredentials(userPass)
		if err == nil {
			err = authBackend.SetCredentials(hostPort, username, password)
		}
		if err != nil {
			ctx.WithField("Host", hostPort).WithError(err).Fatal("Could not set credentials")
		}
	}
	bridge.SetAuth(authBackend)

	var restoredServices []exchange.ServiceRegistration
	if config.GetBool("redis-state") {
		ctx.Info("Initializing Redis state backend")
		restoredServices = bridge.InitRedisState(getRedisClient(), "")
	}

	chain, closers, err := setupMiddleware()
	if err != nil {
		ctx.WithError(err).Fatal("Could not initialize middleware")
	}
	for _, closer := range closers {
		defer closer()
	}
	bridge.SetMiddleware(chain)

	for pattern, destinations := range staticRoutes("routing-outbound.routes") {
		for _, destination := range destinations {
			if err := bridge.AddOutboundRoute(pattern, destination); err != nil {
				ctx.WithError(err).Fatalf("Invalid outbound route %s", pattern)
			}
		}
	}
	for pattern, destinations := range staticRoutes("routing-inbound.routes") {
		for _, destination := range destinations {
			if err := bridge.AddInboundRoute(pattern, destination); err != nil {
				ctx.WithError(err).Fatalf("Invalid inbound route %s", pattern)
			}
		}
	}

	if routesFile := config.GetString("routes-file"); routesFile != "" {
		routes, err := routefile.New(ctx, routesFile, bridge)
		if err != nil {
			ctx.WithError(err).Fatal("Could not open routes file")
		}
		if err := routes.Apply(); err != nil {
			ctx.WithError(err).Fatal("Could not apply routes file")
		}
		if err := routes.Watch(); err != nil {
			ctx.WithError(err).Warn("Could not watch routes file")
		}
		defer routes.Close()
	}

	if statusAddress := config.GetString("status-address"); statusAddress != "" && statusAddress != "disable" {
		statusServer := status.NewServer(ctx, func() interface{} { return bridge.Status() })
		for _, key := range config.GetStringSlice("status-access-key") {
			statusServer.AddAccessKey(key)
		}
		if err := statusServer.Start(statusAddress); err != nil {
			ctx.WithError(err).Fatal("Could not start status server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			statusServer.Stop(shutdownCtx)
		}()
	}

	if err := bridge.Start(); err != nil {
		ctx.WithError(err).Fatal("Could not start bridge")
	}
	ctx.Info("Bridge started")

	if len(restoredServices) > 0 {
		ctx.Infof("Restoring %d services", len(restoredServices))
		for _, svc := range restoredServices {
			if err := bridge.RegisterService(svc.BusAddress, svc.NotificationAddress, svc.Options); err != nil {
				ctx.WithField("BusAddress", svc.BusAddress).WithError(err).Warn("Could not restore service")
			}
		}
	}

	controlServer := control.NewServer(ctx, bus, config.GetString("address"), bridge)
	if err := controlServer.Start(); err != nil {
		ctx.WithError(err).Fatal("Could not start control server")
	}

	defer func() {
		controlServer.Stop()
		bridge.Stop()
		time.Sleep(100 * time.Millisecond)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ctx.WithField("signal", <-sigChan).Info("signal received")
}

func init() {
	BridgeCmd.Flags().String("log-file", "", "Location of the log file")
	BridgeCmd.Flags().Bool("debug", false, "Log debug messages")

	BridgeCmd.Flags().String("address", "amqp-bridge", "Bus address of the control API")
	BridgeCmd.Flags().String("default-handler-address", exchange.DefaultConfig.DefaultHandlerAddress, "Bus address of which messages are routed to AMQP")
	BridgeCmd.Flags().StringSlice("handlers", nil, "Additional bus addresses of which messages are routed to AMQP")
	BridgeCmd.Flags().String("default-outbound-address", exchange.DefaultConfig.DefaultOutboundAddress, "AMQP address for messages that match no outbound route")
	BridgeCmd.Flags().String("default-inbound-address", "", "Bus address for messages that match no inbound route")
	BridgeCmd.Flags().String("outbound-routing-property-type", "ADDRESS", "Routing key of bus messages (ADDRESS or CUSTOM)")
	BridgeCmd.Flags().String("outbound-routing-property-name", "", "Field name of the CUSTOM outbound routing key")
	BridgeCmd.Flags().String("inbound-routing-property-type", "ADDRESS", "Routing key of AMQP messages (ADDRESS, SUBJECT or CUSTOM)")
	BridgeCmd.Flags().String("inbound-routing-property-name", "", "Application property of the CUSTOM inbound routing key")
	BridgeCmd.Flags().String("routes-file", "", "Location of a YAML file with routes that is reloaded when it changes")
	BridgeCmd.Flags().String("reply-to-address", "", "AMQP address on which the bridge receives replies")

	BridgeCmd.Flags().Duration("link-establish-timeout", exchange.DefaultConfig.LinkEstablishTimeout, "Time to wait for AMQP links to attach")
	BridgeCmd.Flags().Duration("reply-timeout", exchange.DefaultConfig.ReplyTimeout, "Time to wait for replies")
	BridgeCmd.Flags().Duration("dial-timeout", exchange.DefaultConfig.DialTimeout, "Time to wait for AMQP connections")
	BridgeCmd.Flags().Int("outbound-buffer", exchange.DefaultConfig.OutboundBuffer, "Messages kept per routed link while it has no credit")

	BridgeCmd.Flags().String("engine", "go-amqp", "AMQP engine (go-amqp or memory)")
	BridgeCmd.Flags().Int("outbound-window", int(goamqp.DefaultConfig.Window), "Queued sends per sending link of the go-amqp engine")

	BridgeCmd.Flags().String("bus", "mqtt", "Event bus (memory, mqtt, amqp or redis)")
	BridgeCmd.Flags().String("mqtt", "guest:guest@localhost:1883", "MQTT broker of the bus")
	BridgeCmd.Flags().String("mqtt-topic-prefix", "", "Prefix of the MQTT topics of the bus")
	BridgeCmd.Flags().String("amqp", "guest:guest@localhost:5672", "AMQP 0.9.1 broker of the bus")
	BridgeCmd.Flags().String("amqp-exchange", "amq.topic", "AMQP 0.9.1 exchange of the bus")
	BridgeCmd.Flags().String("redis-address", "localhost:6379", "Redis host and port")
	BridgeCmd.Flags().String("redis-password", "", "Redis password")
	BridgeCmd.Flags().Int("redis-db", 0, "Redis database")
	BridgeCmd.Flags().String("redis-prefix", "", "Prefix of the Redis channels of the bus")
	BridgeCmd.Flags().Bool("redis-state", false, "Persist registered services in Redis")

	BridgeCmd.Flags().Bool("auth-redis", false, "Store the credentials of AMQP hosts in Redis")
	BridgeCmd.Flags().StringSlice("credentials", nil, "Credentials (host:port=user:pass) of AMQP hosts")

	BridgeCmd.Flags().Bool("log-traffic", false, "Log every message that passes the bridge")
	BridgeCmd.Flags().StringSlice("blacklist", nil, "Files or URLs of address blacklists")
	BridgeCmd.Flags().Bool("deduplicate", false, "Drop consecutive duplicate messages")
	BridgeCmd.Flags().Int("ratelimit-inbound", 0, "Messages per minute per bus address from AMQP (0 is unlimited)")
	BridgeCmd.Flags().Int("ratelimit-outbound", 0, "Messages per minute per bus address to AMQP (0 is unlimited)")
	BridgeCmd.Flags().Bool("ratelimit-redis", false, "Share rate limits between bridges in Redis")
	BridgeCmd.Flags().StringSlice("inject-property", nil, "Application properties (key=value) added to messages sent to AMQP")
	BridgeCmd.Flags().StringSlice("inject-header", nil, "Headers (key=value) added to messages published on the bus")

	BridgeCmd.Flags().String("status-address", ":9090", "Address of the status and metrics server (disable with \"disable\")")
	BridgeCmd.Flags().StringSlice("status-access-key", nil, "Access keys for the status endpoint")

	viper.BindPFlags(BridgeCmd.Flags())
}
