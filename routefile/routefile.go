// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package routefile loads static routes from a YAML file and keeps them in
// sync with the file:
//
//	outbound:
//	  "sensors\\..*": ["amqp://broker:5672/sensors"]
//	inbound:
//	  "alerts": ["alerts.bus"]
package routefile

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Routes maps patterns to destinations
type Routes struct {
	Outbound map[string][]string `yaml:"outbound"`
	Inbound  map[string][]string `yaml:"inbound"`
}

// Load the routes from a file
func Load(filename string) (*Routes, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var routes Routes
	if err := yaml.Unmarshal(contents, &routes); err != nil {
		return nil, err
	}
	return &routes, nil
}

// Target receives the routes. Both the router and the exchange are targets.
type Target interface {
	AddInboundRoute(pattern, busAddress string) error
	RemoveInboundRoute(pattern, busAddress string)
	AddOutboundRoute(pattern, amqpAddress string) error
	RemoveOutboundRoute(pattern, amqpAddress string)
}

// File applies the routes in a file to a Target
type File struct {
	ctx      log.Interface
	filename string
	target   Target

	mu      sync.Mutex
	applied *Routes
	watcher *fsnotify.Watcher
}

// New returns a new File for the filename. Call Apply to load it.
func New(ctx log.Interface, filename string, target Target) (*File, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	return &File{
		ctx:      ctx.WithField("RoutesFile", filename),
		filename: filename,
		target:   target,
		applied:  &Routes{},
	}, nil
}

// Apply (re)loads the file and applies the difference with the routes that
// were applied before. Routes that fail to apply are skipped and retried on
// the next Apply.
func (f *File) Apply() error {
	routes, err := Load(f.filename)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	applied := &Routes{
		Outbound: make(map[string][]string),
		Inbound:  make(map[string][]string),
	}

	for _, r := range diff(f.applied.Outbound, routes.Outbound) {
		f.target.RemoveOutboundRoute(r.pattern, r.destination)
	}
	for _, r := range diff(f.applied.Inbound, routes.Inbound) {
		f.target.RemoveInboundRoute(r.pattern, r.destination)
	}

	for pattern, destinations := range routes.Outbound {
		for _, destination := range destinations {
			if !contains(f.applied.Outbound[pattern], destination) {
				if err := f.target.AddOutboundRoute(pattern, destination); err != nil {
					f.ctx.WithError(err).WithField("Pattern", pattern).Warn("Could not add outbound route")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
			}
			applied.Outbound[pattern] = append(applied.Outbound[pattern], destination)
		}
	}
	for pattern, destinations := range routes.Inbound {
		for _, destination := range destinations {
			if !contains(f.applied.Inbound[pattern], destination) {
				if err := f.target.AddInboundRoute(pattern, destination); err != nil {
					f.ctx.WithError(err).WithField("Pattern", pattern).Warn("Could not add inbound route")
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
			}
			applied.Inbound[pattern] = append(applied.Inbound[pattern], destination)
		}
	}

	f.applied = applied
	f.ctx.WithFields(log.Fields{
		"Outbound": count(applied.Outbound),
		"Inbound":  count(applied.Inbound),
	}).Info("Applied routes")
	return firstErr
}

// Watch the file and Apply it when it changes. The directory is watched, so
// that editors that replace the file are also picked up.
func (f *File) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(f.filename)); err != nil {
		watcher.Close()
		return err
	}
	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()
	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != f.filename {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := f.Apply(); err != nil {
					f.ctx.WithError(err).Warn("Could not reload routes")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.ctx.WithError(err).Warn("Routes file watcher failed")
			}
		}
	}()
	return nil
}

// Close stops watching the file. Applied routes stay in place.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	f.watcher = nil
	return err
}

type route struct {
	pattern     string
	destination string
}

// diff returns the routes in a that are not in b
func diff(a, b map[string][]string) (removed []route) {
	for pattern, destinations := range a {
		for _, destination := range destinations {
			if !contains(b[pattern], destination) {
				removed = append(removed, route{pattern, destination})
			}
		}
	}
	return
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func count(routes map[string][]string) (n int) {
	for _, destinations := range routes {
		n += len(destinations)
	}
	return
}
