// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package memory implements an in-process engine. Each connection is paired
// with a Peer that plays the remote AMQP container: it records what the
// bridge does and lets callers script what the remote side does.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Errors returned by the memory engine
var (
	ErrUnknownHandle = errors.New("memory: unknown handle")
	ErrNoCredit      = errors.New("memory: link has no credit")
	ErrClosed        = errors.New("memory: connection closed")
)

// Network dials memory connections and keeps their peers by host:port
type Network struct {
	mu    sync.Mutex
	peers map[string]*Peer
	ready chan struct{}

	// DialErr is returned by Dial when set
	DialErr error
	// Unanswered leaves links attached by the bridge unanswered on new peers
	Unanswered bool
}

// NewNetwork returns a new Network
func NewNetwork() *Network {
	return &Network{
		peers: make(map[string]*Peer),
		ready: make(chan struct{}),
	}
}

// Dial implements engine.Dialer
func (n *Network) Dial(_ context.Context, settings *types.ConnectionSettings) (engine.Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.DialErr != nil {
		return nil, n.DialErr
	}
	conn, peer := Pipe()
	peer.AutoAttach = !n.Unanswered
	peer.Settings = settings
	n.peers[settings.HostPort()] = peer
	close(n.ready)
	n.ready = make(chan struct{})
	return conn, nil
}

// Peer returns the peer of the last connection to host:port
func (n *Network) Peer(hostPort string) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[hostPort]
}

// WaitPeer waits until there is a peer for host:port
func (n *Network) WaitPeer(hostPort string, timeout time.Duration) *Peer {
	deadline := time.After(timeout)
	for {
		n.mu.Lock()
		peer, ready := n.peers[hostPort], n.ready
		n.mu.Unlock()
		if peer != nil {
			return peer
		}
		select {
		case <-ready:
		case <-deadline:
			return nil
		}
	}
}

// Transfer is a message the bridge sent to the peer
type Transfer struct {
	Tag     []byte
	Message *amqp.Message
	Settled bool
}

// Disposition is a settlement by the bridge of a delivery from the peer
type Disposition struct {
	Tag   []byte
	State types.MessageState
}

// PeerLink is the peer's view of a link
type PeerLink struct {
	Handle  engine.Handle
	Session engine.Handle
	// Role is the role of the bridge on this link
	Role    engine.Role
	Address string

	mu           sync.Mutex
	credit       uint32
	issued       uint32
	opened       bool
	detached     bool
	transfers    []*Transfer
	dispositions []*Disposition
}

// Credit returns the current credit of the link
func (l *PeerLink) Credit() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit
}

// Issued returns the total credit the bridge issued on a receiving link
func (l *PeerLink) Issued() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issued
}

// Opened returns whether the bridge opened a link that the peer attached
func (l *PeerLink) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// Detached returns whether the bridge detached the link
func (l *PeerLink) Detached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detached
}

// Transfers returns the messages the bridge sent on the link
func (l *PeerLink) Transfers() []*Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Transfer(nil), l.transfers...)
}

// Dispositions returns the settlements the bridge made on the link
func (l *PeerLink) Dispositions() []*Disposition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Disposition(nil), l.dispositions...)
}

// Pipe returns a connected engine connection and peer
func Pipe() (*Conn, *Peer) {
	peer := &Peer{
		links:      make(map[engine.Handle]*PeerLink),
		AutoAttach: true,
	}
	conn := &Conn{
		peer:      peer,
		collector: engine.NewCollector(),
	}
	peer.conn = conn
	return conn, peer
}
