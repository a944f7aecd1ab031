// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blacklist

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/TheThingsNetwork/amqp-bridge/middleware"
	"github.com/TheThingsNetwork/amqp-bridge/types"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

type blacklistedItem struct {
	AMQPAddress string `yaml:"amqp-address"`
	BusAddress  string `yaml:"bus-address"`
}

// NewBlacklist returns a middleware that filters traffic from and to
// blacklisted addresses. Lists are local files, which are reloaded when they
// change, or http(s) URLs, which are fetched by FetchRemotes.
func NewBlacklist(lists ...string) (b *Blacklist, err error) {
	b = &Blacklist{
		lists:      make(map[string][]blacklistedItem),
		amqpLookup: make(map[string]bool),
		busLookup:  make(map[string]bool),
	}
	b.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, location := range lists {
		if err := b.addList(location); err != nil {
			b.watcher.Close()
			return nil, err
		}
	}
	b.FetchRemotes()
	go func() {
		for e := range b.watcher.Events {
			if e.Op&fsnotify.Write == fsnotify.Write {
				b.read(e.Name) // keep the previous list when the new one is invalid
			}
		}
	}()
	return b, nil
}

// Blacklist middleware
type Blacklist struct {
	watcher *fsnotify.Watcher
	urls    []string

	mu         sync.RWMutex
	lists      map[string][]blacklistedItem
	amqpLookup map[string]bool
	busLookup  map[string]bool
}

func (b *Blacklist) addList(location string) error {
	url, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch url.Scheme {
	case "", "file":
		return b.addFile(url.Path)
	case "http", "https":
		b.urls = append(b.urls, url.String())
		return nil
	}
	return errors.New("blacklist: unknown list type")
}

func (b *Blacklist) addFile(filename string) (err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}
	if err = b.watcher.Add(filename); err != nil {
		return err
	}
	return b.read(filename)
}

// FetchRemotes fetches remote blacklists
func (b *Blacklist) FetchRemotes() error {
	var firstErr error
	for _, url := range b.urls {
		if err := b.fetch(url); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close the blacklist watcher
func (b *Blacklist) Close() {
	b.watcher.Close()
}

func (b *Blacklist) read(filename string) error {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return b.set(filename, contents)
}

func (b *Blacklist) fetch(location string) error {
	resp, err := http.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return b.set(location, body)
}

func (b *Blacklist) set(location string, contents []byte) error {
	var blacklist []blacklistedItem
	if err := yaml.Unmarshal(contents, &blacklist); err != nil {
		return err
	}
	b.mu.Lock()
	b.lists[location] = blacklist
	b.updateLookup()
	b.mu.Unlock()
	return nil
}

func (b *Blacklist) updateLookup() {
	var n int
	for _, blacklist := range b.lists {
		n += len(blacklist)
	}
	b.amqpLookup = make(map[string]bool, n)
	b.busLookup = make(map[string]bool, n)
	for _, blacklist := range b.lists {
		for _, item := range blacklist {
			if item.AMQPAddress != "" {
				b.amqpLookup[item.AMQPAddress] = true
			}
			if item.BusAddress != "" {
				b.busLookup[item.BusAddress] = true
			}
		}
	}
}

// Blacklist errors
var (
	ErrBlacklistedAMQPAddress = errors.New("blacklist: AMQP address is blacklisted")
	ErrBlacklistedBusAddress  = errors.New("blacklist: bus address is blacklisted")
)

func (b *Blacklist) check(amqpAddress, busAddress string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.amqpLookup[amqpAddress] {
		return ErrBlacklistedAMQPAddress
	}
	if b.busLookup[busAddress] {
		return ErrBlacklistedBusAddress
	}
	return nil
}

// HandleInbound blocks messages from and to blacklisted addresses
func (b *Blacklist) HandleInbound(_ middleware.Context, msg *types.InboundMessage) error {
	return b.check(msg.AMQPAddress, msg.Message.Address)
}

// HandleOutbound blocks messages from and to blacklisted addresses
func (b *Blacklist) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	return b.check(msg.AMQPAddress, msg.BusAddress)
}
