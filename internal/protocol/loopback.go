package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"example.com/workoutsync/internal/domain"
)

// link is the shared state of a loopback pair.
type link struct {
	mu        sync.Mutex
	reachable bool
}

// Loopback is one end of an in-process transport pair. Messages are JSON round-tripped so both ends
// see the same shapes they would see over the network.
type Loopback struct {
	link *link
	peer *Loopback

	mu       sync.Mutex
	receiver Receiver
	inbound  map[string]any
}

// NewLoopbackPair returns two connected, reachable ends.
func NewLoopbackPair() (*Loopback, *Loopback) {
	l := &link{reachable: true}
	a := &Loopback{link: l}
	b := &Loopback{link: l}
	a.peer, b.peer = b, a
	return a, b
}

// Bind attaches the receiver for traffic arriving at this end.
func (l *Loopback) Bind(r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiver = r
}

// SetReachable toggles the link. Becoming reachable delivers any pending durable context to both ends.
func (l *Loopback) SetReachable(ctx context.Context, reachable bool) {
	l.link.mu.Lock()
	l.link.reachable = reachable
	l.link.mu.Unlock()
	if reachable {
		l.deliverContext(ctx)
		l.peer.deliverContext(ctx)
	}
}

// Reachable implements Transport.
func (l *Loopback) Reachable() bool {
	l.link.mu.Lock()
	defer l.link.mu.Unlock()
	return l.link.reachable
}

// Request implements Transport.
func (l *Loopback) Request(ctx context.Context, msg Message) (Reply, error) {
	if !l.Reachable() {
		return nil, domain.ErrPeerUnreachable
	}
	receiver := l.peer.boundReceiver()
	if receiver == nil {
		return nil, domain.ErrPeerUnreachable
	}
	in, err := roundTrip[Message](msg)
	if err != nil {
		return nil, err
	}
	reply := receiver.HandleMessage(ctx, in)
	return roundTrip[Reply](reply)
}

// Notify implements Transport.
func (l *Loopback) Notify(ctx context.Context, msg Message) error {
	if !l.Reachable() {
		return domain.ErrPeerUnreachable
	}
	receiver := l.peer.boundReceiver()
	if receiver == nil {
		return domain.ErrPeerUnreachable
	}
	in, err := roundTrip[Message](msg)
	if err != nil {
		return err
	}
	receiver.HandleNotification(ctx, in)
	return nil
}

// UpdateContext implements Transport. The latest context replaces any undelivered one and is
// delivered immediately when the link is up.
func (l *Loopback) UpdateContext(ctx context.Context, values map[string]any) error {
	in, err := roundTrip[map[string]any](values)
	if err != nil {
		return err
	}
	l.peer.mu.Lock()
	l.peer.inbound = in
	l.peer.mu.Unlock()
	if l.Reachable() {
		l.peer.deliverContext(ctx)
	}
	return nil
}

// Redeliver hands the last received context to the receiver again, as a reconnecting device would.
func (l *Loopback) Redeliver(ctx context.Context) error {
	l.mu.Lock()
	values, receiver := l.inbound, l.receiver
	l.mu.Unlock()
	if values == nil || receiver == nil {
		return nil
	}
	return receiver.HandleContext(ctx, values)
}

func (l *Loopback) deliverContext(ctx context.Context) {
	_ = l.Redeliver(ctx)
}

func (l *Loopback) boundReceiver() Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiver
}

func roundTrip[T any](v any) (T, error) {
	var out T
	body, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("encode: %w", err)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	return out, nil
}
