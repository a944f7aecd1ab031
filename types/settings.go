// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"net"
	"net/url"
	"strconv"
)

// DefaultPort is the port that is used when an address does not specify one
const DefaultPort = 5672

// ConnectionSettings are the result of parsing an AMQP address
type ConnectionSettings struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Target   string
}

// HostPort returns the host:port key of the connection
func (s *ConnectionSettings) HostPort() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the URL that can be used to dial the connection (without the target)
func (s *ConnectionSettings) URL() string {
	u := url.URL{
		Scheme: s.Scheme,
		Host:   s.HostPort(),
	}
	if u.Scheme == "" {
		u.Scheme = "amqp"
	}
	if s.User != "" {
		if s.Password != "" {
			u.User = url.UserPassword(s.User, s.Password)
		} else {
			u.User = url.User(s.User)
		}
	}
	return u.String()
}

// String implements fmt.Stringer. It does not include credentials.
func (s *ConnectionSettings) String() string {
	str := s.HostPort()
	if s.Scheme != "" {
		str = s.Scheme + "://" + str
	}
	if s.Target != "" {
		str += "/" + s.Target
	}
	return str
}
