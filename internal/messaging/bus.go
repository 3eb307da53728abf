package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("messaging")

// ErrNoReceiver mirrors the runtime error raised when nothing handled a sent message.
var ErrNoReceiver = errors.New("could not establish connection: receiving end does not exist")

// ErrClosed is returned once the bus has been closed.
var ErrClosed = errors.New("message bus closed")

// Handler processes a message. It returns handled=false to let other
// listeners see the message; the first handled reply wins.
type Handler func(ctx context.Context, msg Message) (reply Reply, handled bool)

type listener struct {
	id      uint64
	name    string
	handler Handler
}

// Bus is an in-process message channel between the agent's components.
// Delivery is at-most-once. Posted messages are dispatched one at a time on
// the bus goroutine in the order they were posted.
type Bus struct {
	mu        sync.RWMutex
	listeners []listener
	nextID    uint64

	queue     chan Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	// queued or being delivered
	pending atomic.Int64
}

// NewBus starts a bus whose post queue holds queueSize messages.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = 1
	}
	b := &Bus{
		queue: make(chan Message, queueSize),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// AddListener registers h and returns a function that removes it.
func (b *Bus) AddListener(name string, h Handler) (remove func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, name: name, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Send delivers msg synchronously and returns the first handled reply.
func (b *Bus) Send(ctx context.Context, msg Message) (Reply, error) {
	select {
	case <-b.done:
		return Reply{}, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	if reply, ok := b.deliver(ctx, msg); ok {
		return reply, nil
	}
	return Reply{}, ErrNoReceiver
}

// Post queues msg for asynchronous delivery without waiting for a reply.
// A full queue drops the message.
func (b *Bus) Post(msg Message) {
	select {
	case <-b.done:
		log.Debug("bus closed, message dropped", "message", msg.Name())
		return
	default:
	}

	b.pending.Add(1)
	select {
	case b.queue <- msg:
	default:
		b.pending.Add(-1)
		log.Warn("bus queue full, message dropped", "message", msg.Name())
	}
}

// Drain waits until every posted message has been delivered.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops dispatching. Queued messages that were not yet delivered are dropped.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.queue:
			if _, ok := b.deliver(context.Background(), msg); !ok {
				log.Debug("posted message had no receiver", "message", msg.Name())
			}
			b.pending.Add(-1)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg Message) (Reply, bool) {
	b.mu.RLock()
	snapshot := make([]listener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	handled := false
	var first Reply
	for _, l := range snapshot {
		reply, ok := b.safeHandle(ctx, l, msg)
		if ok && !handled {
			first = reply
			handled = true
		}
	}
	return first, handled
}

func (b *Bus) safeHandle(ctx context.Context, l listener, msg Message) (reply Reply, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener panicked", "listener", l.name, "message", msg.Name(), "panic", r)
			reply, ok = Reply{}, false
		}
	}()
	return l.handler(ctx, msg)
}
