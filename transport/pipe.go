package transport

import (
	"context"
	"sync"

	"github.com/mousefox/mousefox/wire"
)

const pipeBuffer = 64

// Pipe returns two connected in-process Conns. Frames sent on one end are
// received on the other. Closing either end closes both. It is how a client
// talks to a server embedded in the same process, with no network involved.
func Pipe() (Conn, Conn) {
	ab := make(chan wire.Frame, pipeBuffer)
	ba := make(chan wire.Frame, pipeBuffer)
	done := make(chan struct{})
	once := new(sync.Once)
	a := &pipeConn{in: ba, out: ab, done: done, once: once}
	b := &pipeConn{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeConn struct {
	in   <-chan wire.Frame
	out  chan<- wire.Frame
	done chan struct{}
	once *sync.Once
}

func (p *pipeConn) Send(ctx context.Context, f wire.Frame) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctxErr(ctx.Err())
	}
}

func (p *pipeConn) TrySend(f wire.Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- f:
		return true
	default:
		return false
	}
}

func (p *pipeConn) Receive(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return wire.Frame{}, ErrClosed
	case <-ctx.Done():
		return wire.Frame{}, ctxErr(ctx.Err())
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }
