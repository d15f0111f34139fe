package repository

import (
	"context"
	"errors"
	"path"
	"sync"

	domrepo "ArbCore/internal/domain/repository"
	applogger "ArbCore/pkg/logger"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("bus closed")

type busMessage struct {
	channel string
	payload []byte
}

type memorySub struct {
	patterns []string
	ch       chan busMessage
}

func (s *memorySub) matches(channel string) bool {
	for _, p := range s.patterns {
		if ok, _ := path.Match(p, channel); ok {
			return true
		}
	}
	return false
}

// MemoryBus is an in-process Bus for single-process mode and tests. A
// subscriber whose buffer is full drops the message, as Redis would for a
// slow client.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	buffer int
	closed bool
	l      *applogger.Logger
}

func NewMemoryBus(buffer int, l *applogger.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{subs: make(map[int]*memorySub), buffer: buffer, l: l}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload interface{}) error {
	data, err := encodeMessage(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs {
		if !s.matches(channel) {
			continue
		}
		select {
		case s.ch <- busMessage{channel: channel, payload: data}:
		default:
			b.l.Warn("bus subscriber full, message dropped", applogger.String("channel", channel))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler domrepo.BusHandler, patterns ...string) error {
	sub := &memorySub{patterns: patterns, ch: make(chan busMessage, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sub.ch:
			dispatch(ctx, b.l, handler, msg.channel, msg.payload)
		}
	}
}

// Subscribers is the number of active subscription loops.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ domrepo.Bus = (*MemoryBus)(nil)
