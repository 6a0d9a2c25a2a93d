// Package p2p defines the boundary between the Engine Facade and a
// peer-to-peer transport. Holon does not implement transport (discovery,
// handshake, wire framing) itself — this package is the contract a
// transport plugs into, and the in-process Delta/Apply shape the Engine
// Facade drives it through.
package p2p

import "context"

// Delta is one remote CRDT mutation delivered by a peer connection: a
// single field write or tombstone, already decoded from the wire, tagged
// with the origin replica that authored it and the Lamport-ish timestamp
// it carries for LWW merge. "moved" deltas carry the sending replica's
// own literal sort_key rather than an after-sibling reference, so two
// replicas merging the same move converge on the same position instead
// of each recomputing a fractional index against their own sibling list.
type Delta struct {
	BlockID     string
	Field       string // "content", "moved", or "deleted"
	StringValue string // new content for "content"; literal sort_key for "moved"
	NewParentID string // only set for "moved"
	Timestamp   int64
	OriginID    string
}

// Adapter is the boundary a P2P transport implements. The Engine Facade
// calls Connect to reach a known peer and AcceptConnections to start listening for
// inbound connections; both report deltas to the engine via the
// Deltas() channel rather than returning them synchronously, since a
// connection may deliver any number of deltas over its lifetime.
type Adapter interface {
	// NodeID is this replica's identity as seen by peers.
	NodeID() string

	// Connect establishes an outbound connection to peerAddr. It returns
	// once the connection handshake completes; ongoing deltas arrive via
	// Deltas().
	Connect(ctx context.Context, peerAddr string) error

	// AcceptConnections starts listening for inbound peer connections
	// until ctx is cancelled.
	AcceptConnections(ctx context.Context) error

	// Deltas returns the channel remote mutations arrive on. The Engine
	// Facade forwards each one to the CRDT Store's ApplyRemote* methods.
	Deltas() <-chan Delta

	// Send accepts one locally authored delta for broadcast to every
	// connected peer. The Engine Facade calls this for every change the
	// CRDT Store reports with Origin local; delivery is best-effort.
	Send(ctx context.Context, d Delta) error

	// Close shuts down every connection this adapter holds.
	Close() error
}
