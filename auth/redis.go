// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package auth

import (
	redis "gopkg.in/redis.v5"
)

// Redis implements the authentication interface with a Redis backend
type Redis struct {
	prefix string
	client *redis.Client
}

// DefaultRedisPrefix is used as prefix when no prefix is given
var DefaultRedisPrefix = "amqp-host:"

var redisKey = struct {
	username string
	password string
}{
	username: "username",
	password: "password",
}

// NewRedis returns a new authentication interface with a redis backend
func NewRedis(client *redis.Client, prefix string) Interface {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// SetCredentials sets the credentials for a host
func (r *Redis) SetCredentials(hostPort string, username, password string) error {
	if username == "" {
		return ErrInvalidCredentials
	}
	return r.client.HMSet(r.prefix+hostPort, map[string]string{
		redisKey.username: username,
		redisKey.password: password,
	}).Err()
}

// Delete the credentials for a host
func (r *Redis) Delete(hostPort string) error {
	return r.client.Del(r.prefix + hostPort).Err()
}

// GetCredentials returns the credentials for a host
func (r *Redis) GetCredentials(hostPort string) (string, string, error) {
	res, err := r.client.HGetAll(r.prefix + hostPort).Result()
	if err == redis.Nil || len(res) == 0 {
		return "", "", ErrHostNotFound
	}
	if err != nil {
		return "", "", err
	}
	username := res[redisKey.username]
	if username == "" {
		return "", "", ErrHostNotFound
	}
	return username, res[redisKey.password], nil
}
