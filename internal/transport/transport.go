// Package transport moves opaque protocol payloads between the client and a
// datacenter.
package transport

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn carries whole payloads. Send may be called concurrently with Recv;
// concurrent Sends are serialized by the implementation.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}
