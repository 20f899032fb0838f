package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WriteFunc delivers one encoded message to the client.
type WriteFunc func(ctx context.Context, msg []byte) error

// Outbox is a bounded per-session send buffer drained by a single writer.
type Outbox struct {
	id      string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	dropped uint64
}

func NewOutbox(id string, size int) *Outbox {
	if size <= 0 {
		size = 16
	}
	return &Outbox{id: id, ch: make(chan []byte, size), done: make(chan struct{})}
}

func (o *Outbox) ID() string { return o.id }

func (o *Outbox) Enqueue(msg []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.ch <- msg:
		return true
	default:
		atomic.AddUint64(&o.dropped, 1)
		return false
	}
}

func (o *Outbox) Dropped() uint64 { return atomic.LoadUint64(&o.dropped) }

func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

func (o *Outbox) Done() <-chan struct{} { return o.done }

// Drain writes queued messages in order, each under its own timeout. A failed
// write closes the outbox and is returned.
func (o *Outbox) Drain(ctx context.Context, timeout time.Duration, write WriteFunc) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.done:
			return nil
		case msg := <-o.ch:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := write(wctx, msg)
			cancel()
			if err != nil {
				fanoutWriteFailures.Inc()
				o.Close()
				return err
			}
		}
	}
}
