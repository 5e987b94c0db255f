package protocol

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/workoutsync/internal/domain"
)

// DefaultRequestTimeout bounds how long Send waits for a reply.
const DefaultRequestTimeout = 10 * time.Second

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithRequestTimeout overrides the reply deadline.
func WithRequestTimeout(d time.Duration) PeerOption {
	return func(p *Peer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPeerLogger overrides the peer logger.
func WithPeerLogger(logger *log.Logger) PeerOption {
	return func(p *Peer) { p.logger = logger }
}

// WithPeerClock injects the clock stamped on queued commands.
func WithPeerClock(clock func() time.Time) PeerOption {
	return func(p *Peer) { p.clock = clock }
}

// Peer is the sending side of the protocol.
type Peer struct {
	transport Transport
	timeout   time.Duration
	clock     func() time.Time
	logger    *log.Logger
}

// NewPeer constructs a Peer over transport.
func NewPeer(transport Transport, opts ...PeerOption) *Peer {
	p := &Peer{
		transport: transport,
		timeout:   DefaultRequestTimeout,
		clock:     time.Now,
		logger:    log.New(log.Writer(), "[protocol] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable reports whether immediate messages can currently be sent.
func (p *Peer) Reachable() bool {
	return p.transport.Reachable()
}

type outcome struct {
	reply Reply
	err   error
}

// Send delivers msg and waits for the reply. It fails fast with ErrPeerUnreachable when the peer is
// not reachable, and with ErrRequestTimeout when no reply arrives in time. A reply carrying an error
// code is returned as a *domain.RemoteError.
func (p *Peer) Send(ctx context.Context, msg Message) (Reply, error) {
	action := msg.Action()
	if action == "" {
		return nil, errors.New("message without action")
	}
	if !p.transport.Reachable() {
		recordRequest(action, "unreachable")
		return nil, domain.ErrPeerUnreachable
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// buffered so a late transport callback never blocks after the caller gave up
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		reply, err := p.transport.Request(ctx, msg)
		done <- outcome{reply: reply, err: err}
	}()

	select {
	case out := <-done:
		observeRequest(action, time.Since(start))
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				recordRequest(action, "timeout")
				return nil, fmt.Errorf("%s: %w: %w", action, domain.ErrRequestTimeout, domain.ErrPeerUnreachable)
			}
			recordRequest(action, "transport_error")
			return nil, fmt.Errorf("%s: %w", action, out.err)
		}
		if err := out.reply.Err(); err != nil {
			recordRequest(action, "remote_error")
			return out.reply, err
		}
		recordRequest(action, "ok")
		return out.reply, nil
	case <-ctx.Done():
		recordRequest(action, "timeout")
		return nil, fmt.Errorf("%s: %w: %w", action, domain.ErrRequestTimeout, domain.ErrPeerUnreachable)
	}
}

// Notify sends msg without waiting. Delivery failures are logged and never reported to the caller.
func (p *Peer) Notify(ctx context.Context, msg Message) {
	action := msg.Action()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if !p.transport.Reachable() {
			recordNotify(action, "unreachable")
			return
		}
		if err := p.transport.Notify(ctx, msg); err != nil {
			p.logger.Printf("notify %s: %v", action, err)
			recordNotify(action, "error")
			return
		}
		recordNotify(action, "ok")
	}()
}

// QueueCommand writes action into the durable context so the peer executes it on its next connection.
// It replaces any previously queued command and returns the new command id.
func (p *Peer) QueueCommand(ctx context.Context, action string) (string, error) {
	id := uuid.NewString()
	issued := p.clock()
	values := map[string]any{
		KeyPendingCommand: action,
		KeyIssuedAt:       float64(issued.UnixMilli()) / 1000,
		KeyCommandID:      id,
	}
	if err := p.transport.UpdateContext(ctx, values); err != nil {
		return "", fmt.Errorf("queue %s: %w", action, err)
	}
	recordQueued(action)
	return id, nil
}
