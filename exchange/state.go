// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"encoding/json"

	"github.com/TheThingsNetwork/amqp-bridge/types"
	redis "gopkg.in/redis.v5"
)

// serviceState keeps the registered services across restarts
type serviceState interface {
	Save(svc *service) error
	Delete(busAddress string) error
}

// defaultRedisStateKey is used as key when no key is given
var defaultRedisStateKey = "amqp-bridge:services"

// ServiceRegistration is a service that was registered before the restart
type ServiceRegistration struct {
	BusAddress          string               `json:"bus-address"`
	NotificationAddress string               `json:"notification-address,omitempty"`
	Options             types.ServiceOptions `json:"options"`
}

// InitRedisState initializes Redis-backed service state for the exchange and
// returns the services stored in the database. Register them again after
// Start to restore them.
func (e *Exchange) InitRedisState(client *redis.Client, key string) (services []ServiceRegistration) {
	if key == "" {
		key = defaultRedisStateKey
	}
	e.mu.Lock()
	e.state = &redisServiceState{
		client: client,
		key:    key,
	}
	e.mu.Unlock()
	stored, err := client.HGetAll(key).Result()
	if err != nil {
		e.ctx.WithError(err).Warn("Could not load services")
		return nil
	}
	for busAddress, data := range stored {
		var registration ServiceRegistration
		if err := json.Unmarshal([]byte(data), &registration); err != nil {
			e.ctx.WithField("BusAddress", busAddress).WithError(err).Warn("Could not decode service")
			continue
		}
		registration.BusAddress = busAddress
		services = append(services, registration)
	}
	return
}

type redisServiceState struct {
	key    string
	client *redis.Client
}

func (s *redisServiceState) Save(svc *service) error {
	data, err := json.Marshal(ServiceRegistration{
		BusAddress:          svc.address,
		NotificationAddress: svc.notificationAddress,
		Options:             svc.options,
	})
	if err != nil {
		return err
	}
	return s.client.HSet(s.key, svc.address, string(data)).Err()
}

func (s *redisServiceState) Delete(busAddress string) error {
	return s.client.HDel(s.key, busAddress).Err()
}

func (e *Exchange) saveService(svc *service) {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state == nil {
		return
	}
	if err := state.Save(svc); err != nil {
		e.ctx.WithField("BusAddress", svc.address).WithError(err).Warn("Could not save service")
	}
}

func (e *Exchange) deleteService(busAddress string) {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state == nil {
		return
	}
	if err := state.Delete(busAddress); err != nil {
		e.ctx.WithField("BusAddress", busAddress).WithError(err).Warn("Could not delete service")
	}
}
