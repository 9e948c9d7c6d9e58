package transport

import (
	"context"
	"sync"
)

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// PipeConn is one end of an in-memory connection.
type PipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	s := &pipeState{closed: make(chan struct{})}
	return &PipeConn{in: a, out: b, state: s}, &PipeConn{in: b, out: a, state: s}
}

func (p *PipeConn) Send(ctx context.Context, payload []byte) error {
	msg := append([]byte(nil), payload...)
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}
