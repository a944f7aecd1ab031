// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package auth stores the SASL credentials of AMQP hosts. The bridge uses
// them when it dials an address that does not carry credentials itself.
package auth

import (
	"errors"
	"strings"
)

// Interface for host credentials
type Interface interface {
	SetCredentials(hostPort string, username, password string) error
	GetCredentials(hostPort string) (username, password string, err error)
	Delete(hostPort string) error
}

// ErrHostNotFound is returned when there are no credentials for a host
var ErrHostNotFound = errors.New("auth: host not found")

// ErrInvalidCredentials is returned for credentials without username
var ErrInvalidCredentials = errors.New("auth: invalid credentials, expected user[:pass]")

// ParseCredentials parses user[:pass]
func ParseCredentials(s string) (username, password string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if parts[0] == "" {
		return "", "", ErrInvalidCredentials
	}
	if len(parts) == 2 {
		return parts[0], parts[1], nil
	}
	return parts[0], "", nil
}
