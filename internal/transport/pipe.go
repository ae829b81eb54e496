package transport

import (
	"context"
	"sync"

	"github.com/calyptra/driftsync/internal/syncerrors"
)

// pipeChannel is an in-process Channel backed by Go channels, used to run
// both ends of a sync session inside one process.
type pipeChannel struct {
	send chan Envelope
	recv chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
	peer      *pipeChannel
}

// NewPipe returns two connected channels; envelopes sent on one are
// received on the other.
func NewPipe() (Channel, Channel) {
	ab := make(chan Envelope, 16)
	ba := make(chan Envelope, 16)
	a := &pipeChannel{send: ab, recv: ba, closed: make(chan struct{})}
	b := &pipeChannel{send: ba, recv: ab, closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeChannel) Send(ctx context.Context, env Envelope) error {
	select {
	case p.send <- env:
		return nil
	case <-p.closed:
		return syncerrors.SessionClosed("channel closed")
	case <-p.peer.closed:
		return syncerrors.SessionClosed("peer channel closed")
	case <-ctx.Done():
		return syncerrors.TransportFailure("send cancelled", ctx.Err())
	}
}

func (p *pipeChannel) Receive(ctx context.Context) (Envelope, error) {
	select {
	case env := <-p.recv:
		return env, nil
	case <-p.closed:
		return Envelope{}, syncerrors.SessionClosed("channel closed")
	case <-p.peer.closed:
		// Drain what the peer sent before it closed.
		select {
		case env := <-p.recv:
			return env, nil
		default:
			return Envelope{}, syncerrors.SessionClosed("peer channel closed")
		}
	case <-ctx.Done():
		return Envelope{}, syncerrors.TransportFailure("receive cancelled", ctx.Err())
	}
}

func (p *pipeChannel) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
