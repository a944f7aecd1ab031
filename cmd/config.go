// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"os/user"
	"regexp"
	"strings"
	"time"

	"github.com/TheThingsNetwork/amqp-bridge/exchange"
	"github.com/TheThingsNetwork/amqp-bridge/router"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "bridge"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			fmt.Println("Error when reading config file:", err)
		} else if err == nil {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
	viper.BindEnv("debug")

	defaultID := "unknown"
	if user, err := user.Current(); err == nil {
		defaultID = user.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		defaultID += "@" + hostname
	}
	viper.SetDefault("id", defaultID)
}

var config = viper.GetViper()

// exchangeConfig builds the configuration of the Exchange
func exchangeConfig() exchange.Config {
	return exchange.Config{
		Router: router.Config{
			OutboundRoutingPropertyType: types.RoutingPropertyType(strings.ToUpper(config.GetString("outbound-routing-property-type"))),
			OutboundRoutingPropertyName: config.GetString("outbound-routing-property-name"),
			InboundRoutingPropertyType:  types.RoutingPropertyType(strings.ToUpper(config.GetString("inbound-routing-property-type"))),
			InboundRoutingPropertyName:  config.GetString("inbound-routing-property-name"),
			DefaultInboundAddress:       config.GetString("default-inbound-address"),
		},
		DefaultHandlerAddress:  config.GetString("default-handler-address"),
		HandlerAddresses:       config.GetStringSlice("handlers"),
		DefaultOutboundAddress: config.GetString("default-outbound-address"),
		ReplyToAddress:         config.GetString("reply-to-address"),
		LinkEstablishTimeout:   config.GetDuration("link-establish-timeout"),
		ReplyTimeout:           config.GetDuration("reply-timeout"),
		DialTimeout:            config.GetDuration("dial-timeout"),
		OutboundBuffer:         config.GetInt("outbound-buffer"),
	}
}

// staticRoutes returns the routes of the config file, which maps patterns to
// lists of destinations
func staticRoutes(key string) map[string][]string {
	return config.GetStringMapStringSlice(key)
}

// brokerRegexp matches user:pass@host:port
var brokerRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

type broker struct {
	Username string
	Password string
	Address  string
}

func parseBroker(s string) (*broker, error) {
	parts := brokerRegexp.FindStringSubmatch(s)
	if parts == nil {
		return nil, fmt.Errorf("invalid broker %q, expected [user[:pass]@]host:port", s)
	}
	return &broker{Username: parts[1], Password: parts[2], Address: parts[3]}, nil
}

// parseFields parses key=value pairs
func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", pair)
		}
		fields[kv[0]] = kv[1]
	}
	return fields, nil
}

var shutdownTimeout = 5 * time.Second
