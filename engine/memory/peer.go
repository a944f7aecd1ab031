// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package memory

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/TheThingsNetwork/amqp-bridge/engine"
	"github.com/TheThingsNetwork/amqp-bridge/types"
)

// Peer is the remote end of a memory connection
type Peer struct {
	mu         sync.Mutex
	conn       *Conn
	next       engine.Handle
	session    engine.Handle
	links      map[engine.Handle]*PeerLink
	open       bool
	closed     bool
	flushes    int
	deliveries uint64

	// AutoAttach answers links attached by the bridge right away
	AutoAttach bool
	// Settings the connection was dialed with
	Settings *types.ConnectionSettings
}

func (p *Peer) handle() engine.Handle {
	p.next++
	return p.next
}

func (p *Peer) link(h engine.Handle) (*PeerLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.links[h]; ok {
		return l, nil
	}
	return nil, ErrUnknownHandle
}

func (p *Peer) post(event *engine.Event) {
	p.conn.collector.Post(event)
}

// Open returns whether the bridge opened the connection
func (p *Peer) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Closed returns whether the bridge closed the connection
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Flushes returns the number of times the bridge flushed the connection
func (p *Peer) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// Links returns all links
func (p *Peer) Links() []*PeerLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	links := make([]*PeerLink, 0, len(p.links))
	for h := engine.Handle(1); h <= p.next; h++ {
		if l, ok := p.links[h]; ok {
			links = append(links, l)
		}
	}
	return links
}

// Link returns the most recent link with the given address and bridge role
func (p *Peer) Link(address string, role engine.Role) *PeerLink {
	links := p.Links()
	for i := len(links) - 1; i >= 0; i-- {
		if links[i].Address == address && links[i].Role == role {
			return links[i]
		}
	}
	return nil
}

// WaitLink waits for a link with the given address and bridge role
func (p *Peer) WaitLink(address string, role engine.Role, timeout time.Duration) *PeerLink {
	deadline := time.Now().Add(timeout)
	for {
		if l := p.Link(address, role); l != nil {
			return l
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// BeginSession begins a session from the peer side
func (p *Peer) BeginSession() engine.Handle {
	p.mu.Lock()
	h := p.handle()
	p.mu.Unlock()
	p.post(&engine.Event{Type: engine.SessionRemoteOpen, Session: h})
	return h
}

// AttachLink attaches a link from the peer side. The role is the role of the
// bridge: the peer sends on Receiver links.
func (p *Peer) AttachLink(session engine.Handle, role engine.Role, address string) *PeerLink {
	p.mu.Lock()
	h := p.handle()
	l := &PeerLink{Handle: h, Session: session, Role: role, Address: address}
	p.links[h] = l
	p.mu.Unlock()
	p.post(&engine.Event{Type: engine.LinkRemoteOpen, Session: session, Link: h, Role: role, Address: address})
	return l
}

// Answer answers a link that the bridge attached while AutoAttach was off
func (p *Peer) Answer(l *PeerLink) {
	p.post(&engine.Event{Type: engine.LinkRemoteOpen, Session: l.Session, Link: l.Handle, Role: l.Role, Address: l.Address})
}

// Flow sets the credit of a link on which the bridge sends
func (p *Peer) Flow(l *PeerLink, credit uint32) {
	l.mu.Lock()
	l.credit = credit
	l.mu.Unlock()
	p.post(&engine.Event{Type: engine.LinkFlow, Session: l.Session, Link: l.Handle, Role: l.Role, Address: l.Address, Credit: credit})
}

// Deliver a message on a link on which the bridge receives. It returns the delivery tag.
func (p *Peer) Deliver(l *PeerLink, msg *amqp.Message, settled bool) ([]byte, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return p.DeliverRaw(l, payload, settled)
}

// DeliverRaw delivers an encoded message
func (p *Peer) DeliverRaw(l *PeerLink, payload []byte, settled bool) ([]byte, error) {
	l.mu.Lock()
	if l.credit == 0 {
		l.mu.Unlock()
		return nil, ErrNoCredit
	}
	l.credit--
	l.mu.Unlock()
	p.mu.Lock()
	p.deliveries++
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, p.deliveries)
	p.mu.Unlock()
	p.post(&engine.Event{Type: engine.Delivery, Session: l.Session, Link: l.Handle, Role: l.Role, Address: l.Address, Delivery: &engine.DeliveryInfo{
		Tag:     tag,
		Settled: settled,
		Payload: payload,
	}})
	return tag, nil
}

// DeliverPartial posts a delivery of which not all frames arrived
func (p *Peer) DeliverPartial(l *PeerLink) {
	p.post(&engine.Event{Type: engine.Delivery, Session: l.Session, Link: l.Handle, Role: l.Role, Address: l.Address, Delivery: &engine.DeliveryInfo{
		Tag:     []byte("partial"),
		Partial: true,
	}})
}

// Settle settles a message the bridge sent
func (p *Peer) Settle(l *PeerLink, tag []byte, state types.MessageState) {
	p.post(&engine.Event{Type: engine.Delivery, Session: l.Session, Link: l.Handle, Role: l.Role, Address: l.Address, Delivery: &engine.DeliveryInfo{
		Tag:     tag,
		Settled: true,
		State:   state,
	}})
}

// Detach detaches a link from the peer side
func (p *Peer) Detach(l *PeerLink) {
	l.mu.Lock()
	l.detached = true
	l.mu.Unlock()
	p.post(&engine.Event{Type: engine.LinkFinal, Session: l.Session, Link: l.Handle, Role: l.Role, Address: l.Address})
}

// Close closes the connection from the peer side
func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.post(&engine.Event{Type: engine.ConnectionFinal})
}

// Fail posts a transport error
func (p *Peer) Fail(err error) {
	p.post(&engine.Event{Type: engine.Transport, Err: err})
}

// Connect opens a connection from the peer side
func (p *Peer) Connect() {
	p.post(&engine.Event{Type: engine.ConnectionRemoteOpen})
}
