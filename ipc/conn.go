package ipc

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

var errQueueFull = errors.New("ipc: outbound queue full")

// connHandle wraps one accepted net.Conn with a bounded outbound queue so a
// slow worker's stream never blocks the broker's dispatch path
// backpressure). It implements registry.Conn.
type connHandle struct {
	conn   net.Conn
	writer *bufio.Writer
	queue  chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newConnHandle(conn net.Conn, softCap int) *connHandle {
	return &connHandle{
		conn:   conn,
		writer: bufio.NewWriter(conn),
		queue:  make(chan Envelope, softCap),
		done:   make(chan struct{}),
	}
}

// enqueue appends env to the outbound queue without blocking. A full queue
// returns errQueueFull so the caller can degrade the worker instead of
// stalling the dispatcher.
func (c *connHandle) enqueue(env Envelope) error {
	select {
	case c.queue <- env:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		return errQueueFull
	}
}

// writeLoop drains the outbound queue to the wire until the handle is
// closed. Runs on its own goroutine, one per connection.
func (c *connHandle) writeLoop() {
	for {
		select {
		case env := <-c.queue:
			if err := writeFrame(c.writer, env); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connHandle) close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

// Close implements registry.Conn.
func (c *connHandle) Close() error { return c.close() }
