package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var ErrConnectionClosed = errors.New("conn: connection closed")

// Pending is the result of one queued send.
type Pending struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once the message has been written or has failed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the message is flushed, fails, or ctx ends. A ctx
// timeout does not withdraw the message from the queue.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outbound struct {
	msg     []byte
	pending *Pending
}

// sender owns the write side of one transport. A single goroutine drains a
// FIFO queue so only one write is ever in flight.
type sender struct {
	transport Transport
	limiter   *rate.Limiter
	onError   func(error)
	onWrite   func()

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []outbound
	closed bool
	notify chan struct{}
	exited chan struct{}
}

func newSender(t Transport, limiter *rate.Limiter, onWrite func(), onError func(error)) *sender {
	ctx, cancel := context.WithCancel(context.Background())
	s := &sender{
		transport: t,
		limiter:   limiter,
		onError:   onError,
		onWrite:   onWrite,
		ctx:       ctx,
		cancel:    cancel,
		notify:    make(chan struct{}, 1),
		exited:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sender) enqueue(msg []byte) *Pending {
	p := newPending()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.resolve(ErrConnectionClosed)
		return p
	}
	s.queue = append(s.queue, outbound{msg: msg, pending: p})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return p
}

func (s *sender) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}
		for {
			item, ok := s.pop()
			if !ok {
				break
			}
			s.write(item)
		}
	}
}

func (s *sender) pop() (outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return outbound{}, false
	}
	item := s.queue[0]
	s.queue[0] = outbound{}
	s.queue = s.queue[1:]
	return item, true
}

func (s *sender) write(item outbound) {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			item.pending.resolve(ErrConnectionClosed)
			return
		}
	}

	_ = s.transport.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.transport.WriteMessage(websocket.TextMessage, item.msg); err != nil {
		err = fmt.Errorf("conn: write: %w", err)
		item.pending.resolve(err)
		if s.onError != nil {
			s.onError(err)
		}
		return
	}

	item.pending.resolve(nil)
	if s.onWrite != nil {
		s.onWrite()
	}
}

// close fails every queued message with ErrConnectionClosed. A write already
// in flight finishes on its own.
func (s *sender) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	for _, item := range queued {
		item.pending.resolve(ErrConnectionClosed)
	}
}
