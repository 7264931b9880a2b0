package protocol

import (
	"context"
	"time"
)

// Prober carrier-senses the shared channel.
type Prober interface {
	// Probe asks the server whether the channel is currently reserved.
	Probe(ctx context.Context) (busy bool, err error)
}

// AccessController decides when a session may transmit its next request.
// Implementations are owned by a single session and need not be safe for
// concurrent use.
type AccessController interface {
	// WaitForTurn blocks until the session is allowed to transmit.
	WaitForTurn(ctx context.Context, channel Prober) error

	// OnCollision is called after the server answered with the collision
	// marker. It may block to apply a backoff delay.
	OnCollision(ctx context.Context) error

	// OnSuccess is called after a collision-free complete chunk.
	OnSuccess()

	// Name identifies the policy in logs and results.
	Name() string
}

// Grant is an arbiter's permission to serve one request.
type Grant interface {
	// Collided reports whether a concurrent request has collided with this
	// transfer since it was granted.
	Collided() bool

	// Abort records that the transfer stopped on a collision and releases
	// the channel.
	Abort()

	// Release frees the channel after the transfer completed.
	Release()
}

// Arbiter resolves contention among concurrent requests on the server.
// Implementations must be safe for concurrent use.
type Arbiter interface {
	// Acquire decides whether a request that arrived at the given instant may
	// be served. A nil Grant means the request collided.
	Acquire(session SessionID, arrival time.Time) Grant

	// Busy reports whether the channel is currently reserved.
	Busy() bool
}
