// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package router

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrInvalidPattern is returned when a route pattern does not compile
var ErrInvalidPattern = errors.New("router: invalid pattern")

type route struct {
	pattern      string
	regexp       *regexp.Regexp
	destinations []string
}

func (r *route) clone() *route {
	return &route{
		pattern:      r.pattern,
		regexp:       r.regexp,
		destinations: append([]string(nil), r.destinations...),
	}
}

// Table maps patterns to destination addresses. A Table is never modified,
// Add and Remove return a new Table.
type Table struct {
	routes []*route // sorted by pattern
}

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

func (t *Table) find(pattern string) int {
	if t == nil {
		return -1
	}
	i := sort.Search(len(t.routes), func(i int) bool { return t.routes[i].pattern >= pattern })
	if i < len(t.routes) && t.routes[i].pattern == pattern {
		return i
	}
	return -1
}

func (t *Table) copyRoutes() []*route {
	if t == nil {
		return nil
	}
	routes := make([]*route, len(t.routes))
	copy(routes, t.routes)
	return routes
}

// Add a destination to the pattern
func (t *Table) Add(pattern, destination string) (*Table, error) {
	routes := t.copyRoutes()
	if i := t.find(pattern); i >= 0 {
		for _, existing := range routes[i].destinations {
			if existing == destination {
				return t, nil
			}
		}
		r := routes[i].clone()
		r.destinations = append(r.destinations, destination)
		routes[i] = r
		return &Table{routes: routes}, nil
	}
	re, err := compile(pattern)
	if err != nil {
		return t, err
	}
	routes = append(routes, &route{pattern: pattern, regexp: re, destinations: []string{destination}})
	sort.Slice(routes, func(i, j int) bool { return routes[i].pattern < routes[j].pattern })
	return &Table{routes: routes}, nil
}

// Remove a destination from the pattern. The pattern is removed with its last destination.
func (t *Table) Remove(pattern, destination string) *Table {
	i := t.find(pattern)
	if i < 0 {
		return t
	}
	r := t.routes[i].clone()
	for j, existing := range r.destinations {
		if existing == destination {
			r.destinations = append(r.destinations[:j], r.destinations[j+1:]...)
			break
		}
	}
	routes := t.copyRoutes()
	if len(r.destinations) == 0 {
		routes = append(routes[:i], routes[i+1:]...)
	} else {
		routes[i] = r
	}
	return &Table{routes: routes}
}

// Match returns the destinations of all patterns that fully match the key, in
// table order. A destination of overlapping patterns is returned once per
// pattern.
func (t *Table) Match(key string) (destinations []string) {
	if t == nil {
		return nil
	}
	for _, r := range t.routes {
		if r.regexp.MatchString(key) {
			destinations = append(destinations, r.destinations...)
		}
	}
	return
}

// Len returns the number of patterns in the table
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Routes returns a copy of the table contents
func (t *Table) Routes() map[string][]string {
	routes := make(map[string][]string, t.Len())
	if t == nil {
		return routes
	}
	for _, r := range t.routes {
		routes[r.pattern] = append([]string(nil), r.destinations...)
	}
	return routes
}
