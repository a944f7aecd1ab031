// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	redis "gopkg.in/redis.v5"

	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Limits per minute, zero means unlimited
type Limits struct {
	Inbound  int
	Outbound int
}

// NewRateLimit returns a middleware that rate-limits inbound and outbound messages per bus address
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		limits:   conf,
		limiters: make(map[string]limiter),
	}
}

// NewRedisRateLimit returns a middleware that rate-limits inbound and outbound
// messages per bus address, with counters in Redis that are shared between bridges
func NewRedisRateLimit(client *redis.Client, conf Limits) *RateLimit {
	l := NewRateLimit(conf)
	l.client = client
	return l
}

// RateLimit inbound and outbound messages per bus address
type RateLimit struct {
	limits Limits
	client *redis.Client

	mu       sync.Mutex
	limiters map[string]limiter
}

type limiter interface {
	Allow() (bool, error)
}

type localLimiter struct {
	*rate.Limiter
}

func (l localLimiter) Allow() (bool, error) {
	return l.Limiter.Allow(), nil
}

// redisLimiter counts in fixed windows
type redisLimiter struct {
	client *redis.Client
	key    string
	limit  int64
	window time.Duration
}

func (l *redisLimiter) Allow() (bool, error) {
	key := fmt.Sprintf("%s:%d", l.key, time.Now().UnixNano()/int64(l.window))
	n, err := l.client.Incr(key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		l.client.Expire(key, l.window)
	}
	return n <= l.limit, nil
}

func (l *RateLimit) get(direction, address string, perMinute int) limiter {
	key := fmt.Sprintf("ratelimit:%s:%s", address, direction)
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	var limiter limiter
	if l.client != nil {
		limiter = &redisLimiter{client: l.client, key: key, limit: int64(perMinute), window: time.Minute}
	} else {
		limiter = localLimiter{rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
	}
	l.limiters[key] = limiter
	return limiter
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

func (l *RateLimit) check(direction, address string, perMinute int) error {
	if perMinute == 0 {
		return nil
	}
	allow, err := l.get(direction, address, perMinute).Allow()
	if err != nil {
		return err
	}
	if !allow {
		return ErrRateLimited
	}
	return nil
}

// HandleInbound rate-limits messages per destination bus address
func (l *RateLimit) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	return l.check("inbound", msg.Message.Address, l.limits.Inbound)
}

// HandleOutbound rate-limits messages per source bus address
func (l *RateLimit) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	return l.check("outbound", msg.BusAddress, l.limits.Outbound)
}
