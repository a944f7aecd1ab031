// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	"sync"
)

type memoryHost struct {
	username string
	password string
}

// Memory implements the authentication interface with an in-memory backend
type Memory struct {
	hosts map[string]*memoryHost
	mu    sync.RWMutex
}

// NewMemory returns a new authentication interface with an in-memory backend
func NewMemory() Interface {
	return &Memory{
		hosts: make(map[string]*memoryHost),
	}
}

// SetCredentials sets the credentials for a host
func (m *Memory) SetCredentials(hostPort string, username, password string) error {
	if username == "" {
		return ErrInvalidCredentials
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts[hostPort] = &memoryHost{
		username: username,
		password: password,
	}
	return nil
}

// GetCredentials returns the credentials for a host
func (m *Memory) GetCredentials(hostPort string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	host, ok := m.hosts[hostPort]
	if !ok {
		return "", "", ErrHostNotFound
	}
	return host.username, host.password, nil
}

// Delete the credentials for a host
func (m *Memory) Delete(hostPort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, hostPort)
	return nil
}
