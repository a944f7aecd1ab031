// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package address parses AMQP addresses of the form
// [scheme://][user[:password]@]host[:port][/target].
package address

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// ErrInvalidFormat is returned for addresses that can not be parsed
var ErrInvalidFormat = errors.New("address: invalid format")

func invalid(format string, a ...interface{}) error {
	return fmt.Errorf("%w: Error parsing address : %s", ErrInvalidFormat, fmt.Sprintf(format, a...))
}

// Parse an AMQP address into connection settings. The port defaults to 5672.
func Parse(address string) (*types.ConnectionSettings, error) {
	settings := &types.ConnectionSettings{Port: types.DefaultPort}

	rest := address
	if i := strings.Index(rest, "://"); i >= 0 {
		settings.Scheme = rest[:i]
		rest = rest[i+3:]
	}

	// The target is everything after the last slash, the host block ends at the first one
	hostPort := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		hostPort = rest[:i]
		settings.Target = rest[strings.LastIndex(rest, "/")+1:]
	}

	if i := strings.LastIndex(hostPort, "@"); i >= 0 {
		credentials := hostPort[:i]
		hostPort = hostPort[i+1:]
		if j := strings.Index(credentials, ":"); j >= 0 {
			settings.User, settings.Password = credentials[:j], credentials[j+1:]
		} else {
			settings.User = credentials
		}
	}

	var (
		port    string
		hasPort bool
	)
	if strings.HasPrefix(hostPort, "[") {
		end := strings.Index(hostPort, "]")
		if end < 0 {
			return nil, invalid("missing ] in %q", hostPort)
		}
		settings.Host = hostPort[1:end]
		if after := hostPort[end+1:]; after != "" {
			if !strings.HasPrefix(after, ":") {
				return nil, invalid("unexpected %q after IPv6 host", after)
			}
			port, hasPort = after[1:], true
		}
	} else if i := strings.Index(hostPort, ":"); i >= 0 {
		settings.Host, port, hasPort = hostPort[:i], hostPort[i+1:], true
	} else {
		settings.Host = hostPort
	}

	if settings.Host == "" {
		return nil, invalid("empty host in %q", address)
	}

	if hasPort {
		if port == "" {
			return nil, invalid("empty port in %q", address)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, invalid("%s", err)
		}
		if p < 0 || p > 65535 {
			return nil, invalid("port %d out of range", p)
		}
		settings.Port = p
	}

	return settings, nil
}
