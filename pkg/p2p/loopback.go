package p2p

import "context"

// Loopback is a minimal Adapter used where no real transport is
// configured: Connect and AcceptConnections are no-ops and Deltas never
// yields anything. The Engine Facade can wire a Loopback by default so
// p2p passthrough calls always have something to call.
type Loopback struct {
	nodeID string
	ch     chan Delta
}

// NewLoopback returns a Loopback identified as nodeID.
func NewLoopback(nodeID string) *Loopback {
	return &Loopback{nodeID: nodeID, ch: make(chan Delta)}
}

func (l *Loopback) NodeID() string { return l.nodeID }

func (l *Loopback) Connect(ctx context.Context, peerAddr string) error { return nil }

func (l *Loopback) AcceptConnections(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (l *Loopback) Deltas() <-chan Delta { return l.ch }

// Send is a no-op: a Loopback has no connected peers to forward to.
func (l *Loopback) Send(ctx context.Context, d Delta) error { return nil }

func (l *Loopback) Close() error {
	close(l.ch)
	return nil
}
